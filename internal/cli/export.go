package cli

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memoryscope/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as JSON",
		Long:  "Export memories as newline-delimited JSON. Vectors are left out; import re-embeds.",
		Run:   runExport,
	}

	cmd.Flags().StringP("type", "t", "", "Filter by memory types (comma-separated)")
	cmd.Flags().StringP("user", "u", "", "Filter by user name")
	cmd.Flags().String("target", "", "Filter by target name")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	f, err := filterFromFlags(cmd)
	if err != nil {
		exitErr("export", err)
	}

	s, _ := mustStore()
	defer s.Close()

	w := bufio.NewWriter(cmd.OutOrStdout())
	n, err := store.Export(cmd.Context(), s, w, f)
	if ferr := w.Flush(); err == nil {
		err = ferr
	}
	if err != nil {
		exitErr("export", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d memories\n", n)
}
