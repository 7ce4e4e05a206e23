package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigredctf/instancer/pkg/domain"
)

var createCmd = &cobra.Command{
	Use:   "create [challenge-id]",
	Short: "Start an instance of a challenge",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, _ := json.Marshal(map[string]string{"challenge_id": args[0]})
		resp, err := doRequest(http.MethodPost, "/api/instances", bytes.NewReader(body))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating instance: %v\n", err)
			os.Exit(1)
		}

		var inst domain.Instance
		decodeOrDie(resp, http.StatusAccepted, &inst)
		fmt.Printf("Instance %s is %s\n", inst.ID, inst.Status)
		fmt.Printf("Hostname: %s\n", inst.Hostname)
		fmt.Printf("Expires:  %s\n", inst.ExpiresAt.Local())
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}
