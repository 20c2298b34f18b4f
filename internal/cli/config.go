package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memoryscope/internal/config"
	"github.com/rcliao/memoryscope/internal/worker"
)

func init() {
	initCmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write the default configuration",
		Run:   runInitConfig,
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")

	workersCmd := &cobra.Command{
		Use:   "workers",
		Short: "List the worker types operations can use",
		Run: func(cmd *cobra.Command, args []string) {
			for _, t := range worker.Types() {
				fmt.Fprintln(cmd.OutOrStdout(), t)
			}
		},
	}

	RootCmd.AddCommand(initCmd, workersCmd)
}

func runInitConfig(cmd *cobra.Command, args []string) {
	force, _ := cmd.Flags().GetBool("force")
	path := getConfigPath()

	if _, err := os.Stat(path); err == nil && !force {
		exitErr("init-config", fmt.Errorf("%s exists (use --force to overwrite)", path))
	}
	if err := config.Default().SaveToPath(path); err != nil {
		exitErr("init-config", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"path":%q}`+"\n", path)
}
