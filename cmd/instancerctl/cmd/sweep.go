package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Trigger an expiry sweep now (admin)",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := doRequest(http.MethodPost, "/api/admin/sweep", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error triggering sweep: %v\n", err)
			os.Exit(1)
		}

		var out struct {
			Reclaimed int `json:"reclaimed"`
		}
		decodeOrDie(resp, http.StatusOK, &out)
		fmt.Printf("Reclaimed %d instances\n", out.Reclaimed)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
