package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/bigredctf/instancer/pkg/lifecycle"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show instancer utilization",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := doRequest(http.MethodGet, "/api/stats", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error fetching stats: %v\n", err)
			os.Exit(1)
		}

		var stats lifecycle.Stats
		decodeOrDie(resp, http.StatusOK, &stats)

		fmt.Printf("Active instances: %d / %d (%.0f%%)\n",
			stats.ActiveInstances, stats.MaxInstances, stats.UsagePercent)
		fmt.Printf("Active users:     %d\n", stats.ActiveUsers)
		for status, n := range stats.ByStatus {
			fmt.Printf("  %-10s %d\n", status, n)
		}
		if len(stats.ByChallenge) > 0 {
			fmt.Println("By challenge:")
			for id, n := range stats.ByChallenge {
				fmt.Printf("  %-20s %d\n", id, n)
			}
		}
		if stats.AtCapacity {
			fmt.Println("WARNING: at capacity, new creates are rejected")
		} else if stats.NearCapacity {
			fmt.Println("WARNING: near capacity")
		}
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
