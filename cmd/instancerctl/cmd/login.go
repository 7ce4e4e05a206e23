package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Log in and store the session token",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading password: %v\n", err)
			os.Exit(1)
		}

		body, _ := json.Marshal(map[string]string{
			"username": args[0],
			"password": string(password),
		})
		resp, err := doRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error logging in: %v\n", err)
			os.Exit(1)
		}

		var out struct {
			Token string `json:"token"`
			User  struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"user"`
		}
		decodeOrDie(resp, http.StatusOK, &out)

		token = out.Token
		if err := saveToken(out.Token); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: could not save token: %v\n", err)
		}
		fmt.Printf("Logged in as %s (%s)\n", out.User.Name, out.User.Type)
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
}
