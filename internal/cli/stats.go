package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Run:   runStats,
	}

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	s, _ := mustStore()
	defer s.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		exitErr("stats", err)
	}

	if formatFlag == "text" {
		fmt.Fprintf(cmd.OutOrStdout(), "backend: %s\ntotal: %d\nunreflected observations: %d\n",
			stats.Backend, stats.TotalNodes, stats.Unreflected)
		for _, t := range stats.Types {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", t.Type, t.Count)
		}
		return
	}
	printJSON(cmd.OutOrStdout(), stats)
}
