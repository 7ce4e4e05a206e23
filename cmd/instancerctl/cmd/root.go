package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	host  string
	token string
)

var rootCmd = &cobra.Command{
	Use:   "instancerctl",
	Short: "Instancer CLI",
	Long:  `Operator tool for the challenge instancer API.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "Instancer API URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token for authentication")
}

// initConfig layers config sources: flags beat environment beats the
// saved config file beats defaults.
func initConfig() {
	viper.SetDefault("host", "http://localhost:8080")

	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.SetConfigName(".instancerctl")
		viper.SetConfigType("yaml")
		_ = viper.ReadInConfig() // missing file is fine
	}

	viper.SetEnvPrefix("INSTANCER")
	viper.AutomaticEnv()

	if host == "" {
		host = viper.GetString("host")
	}
	if token == "" {
		token = viper.GetString("token")
	}
}

// saveToken persists the login token for subsequent invocations.
func saveToken(tok string) error {
	viper.Set("token", tok)
	viper.Set("host", host)
	if err := viper.WriteConfig(); err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return err
		}
		return viper.WriteConfigAs(filepath.Join(home, ".instancerctl.yaml"))
	}
	return nil
}
