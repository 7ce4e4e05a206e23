package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bigredctf/instancer/pkg/domain"
)

var psAll bool

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List your instances",
	Run: func(cmd *cobra.Command, args []string) {
		path := "/api/instances"
		if psAll {
			path = "/api/admin/instances"
		}

		resp, err := doRequest(http.MethodGet, path, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing instances: %v\n", err)
			os.Exit(1)
		}

		var out struct {
			Instances []domain.Instance `json:"instances"`
		}
		decodeOrDie(resp, http.StatusOK, &out)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tCHALLENGE\tUSER\tSTATUS\tHOSTNAME\tEXPIRES")
		for _, inst := range out.Instances {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				inst.ID,
				inst.ChallengeID,
				inst.UserID,
				inst.Status,
				inst.Hostname,
				time.Until(inst.ExpiresAt).Round(time.Minute),
			)
		}
		w.Flush()
	},
}

func init() {
	psCmd.Flags().BoolVar(&psAll, "all", false, "List every active instance (admin)")
	rootCmd.AddCommand(psCmd)
}
