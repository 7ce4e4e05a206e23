package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var rmAdmin bool

var rmCmd = &cobra.Command{
	Use:   "rm [instance-id]",
	Short: "Delete an instance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		path := "/api/instances/" + args[0]
		if rmAdmin {
			path = "/api/admin/instances/" + args[0]
		}

		resp, err := doRequest(http.MethodDelete, path, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error deleting instance: %v\n", err)
			os.Exit(1)
		}
		decodeOrDie(resp, http.StatusOK, nil)
		fmt.Printf("Deleted %s\n", args[0])
	},
}

func init() {
	rmCmd.Flags().BoolVar(&rmAdmin, "admin", false, "Delete any user's instance (admin)")
	rootCmd.AddCommand(rmCmd)
}
