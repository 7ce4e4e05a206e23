package cmd

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bigredctf/instancer/pkg/domain"
)

var challengesCmd = &cobra.Command{
	Use:   "challenges",
	Short: "List available challenges",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := doRequest(http.MethodGet, "/api/challenges", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing challenges: %v\n", err)
			os.Exit(1)
		}

		var out struct {
			Challenges []domain.ChallengeDefinition `json:"challenges"`
		}
		decodeOrDie(resp, http.StatusOK, &out)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCATEGORY\tPORT")
		for _, def := range out.Challenges {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", def.ID, def.Name, def.Category, def.Port)
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(challengesCmd)
}
