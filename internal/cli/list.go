package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memoryscope/internal/config"
	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored memories",
		Run:   runList,
	}

	cmd.Flags().StringP("type", "t", "", "Filter by memory types (comma-separated)")
	cmd.Flags().StringP("user", "u", "", "Filter by user name")
	cmd.Flags().String("target", "", "Filter by target name")
	cmd.Flags().Bool("unreflected", false, "Only observations not yet reflected on")
	cmd.Flags().IntP("limit", "l", 20, "Max results; 0 lists everything")
	cmd.Flags().Bool("ids-only", false, "Only output id and content")

	RootCmd.AddCommand(cmd)
}

// filterFromFlags builds a store filter from the shared filter flags.
func filterFromFlags(cmd *cobra.Command) (store.Filter, error) {
	typesStr, _ := cmd.Flags().GetString("type")
	user, _ := cmd.Flags().GetString("user")
	target, _ := cmd.Flags().GetString("target")

	f := store.Filter{UserName: user, TargetName: target}
	for _, t := range strings.Split(typesStr, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		mt, err := model.ParseType(t)
		if err != nil {
			return f, err
		}
		f.Types = append(f.Types, mt)
	}
	if cmd.Flags().Lookup("unreflected") != nil {
		if unreflected, _ := cmd.Flags().GetBool("unreflected"); unreflected {
			f.Reflected = store.Bool(false)
		}
	}
	return f, nil
}

// mustStore opens the configured store without building the pipelines.
func mustStore() (store.Store, *config.Config) {
	cfg := loadConfig()
	s, err := openStore(cfg)
	if err != nil {
		exitErr("open store", err)
	}
	return s, cfg
}

func runList(cmd *cobra.Command, args []string) {
	limit, _ := cmd.Flags().GetInt("limit")
	idsOnly, _ := cmd.Flags().GetBool("ids-only")

	f, err := filterFromFlags(cmd)
	if err != nil {
		exitErr("list", err)
	}

	s, _ := mustStore()
	defer s.Close()

	recs, err := s.List(cmd.Context(), store.ListParams{Filter: f, Limit: limit})
	if err != nil {
		exitErr("list", err)
	}

	if idsOnly {
		for _, r := range recs {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.ID, r.Content)
		}
		return
	}
	for i := range recs {
		recs[i].Vector = nil
	}
	printJSON(cmd.OutOrStdout(), recs)
}
