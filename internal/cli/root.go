// Package cli implements the memoryscope CLI commands.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memoryscope/internal/config"
)

var (
	configPath string
	dbPath     string
	formatFlag string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memoryscope",
	Short: "Long-term memory for chat agents",
	Long: "memoryscope turns chat turns into observations, insights and a user profile, " +
		"and answers queries from that memory. SQLite or chromem backed, single binary.",
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $MEMORYSCOPE_CONFIG or ~/.memoryscope/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Store path, overrides store.path")
	RootCmd.PersistentFlags().StringVarP(&formatFlag, "format", "f", "json", "Output format: json or text")
}

func getConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if env := os.Getenv("MEMORYSCOPE_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath()
}

// loadConfig reads and validates the config, applying --db.
func loadConfig() *config.Config {
	cfg, err := config.LoadFromPath(getConfigPath())
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if err := cfg.Validate(); err != nil {
		exitErr("invalid config", err)
	}
	return cfg
}

// readInput joins args, or reads stdin when it is piped and args are empty.
func readInput(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	stat, err := os.Stdin.Stat()
	if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
		return "", nil
	}
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(b), nil
}

// printResult writes text as-is for --format text, or wrapped as JSON.
func printResult(w io.Writer, field, text string) {
	if formatFlag == "text" {
		fmt.Fprintln(w, text)
		return
	}
	printJSON(w, map[string]string{field: text})
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(b))
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
