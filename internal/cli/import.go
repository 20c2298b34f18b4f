package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import memories from JSON",
		Long:  "Import newline-delimited JSON (stdin or file) as produced by export. Existing ids are skipped.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	in := os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open input", err)
		}
		defer f.Close()
		in = f
	}

	recs, err := store.ReadRecords(in)
	if err != nil {
		exitErr("parse json", err)
	}

	s, cfg := mustStore()
	defer s.Close()

	e, err := embedding.NewFromConfig(cfg.Embedding)
	if err != nil {
		exitErr("init embedder", err)
	}
	imported, err := store.Import(cmd.Context(), s, recs, e.Embed)
	if err != nil {
		exitErr("import", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"imported":%d,"read":%d}`+"\n", imported, len(recs))
}
