package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memoryscope/internal/model"
)

const closeTimeout = 30 * time.Second

// mustApp builds the app from the loaded config or exits.
func mustApp(opts ...wireOption) *app {
	a, err := newApp(loadConfig(), opts...)
	if err != nil {
		exitErr("init", err)
	}
	return a
}

func closeApp(a *app) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "warning: close: %v\n", err)
	}
}

func init() {
	addCmd := &cobra.Command{
		Use:   "add [content]",
		Short: "Add chat turns and consolidate them",
		Long: "Add one chat turn from the arguments, or newline-delimited JSON messages " +
			"({\"role\",\"role_name\",\"content\",\"time_created\"}) from stdin, then run the " +
			"consolidation operation over them.",
		Run: runAdd,
	}
	addCmd.Flags().StringP("role", "r", "user", "Role of a positional turn: user or assistant")
	addCmd.Flags().String("name", "", "Speaker name of a positional turn (default: global.user_name or global.target_name)")
	addCmd.Flags().StringP("op", "o", "consolidate_memory", "Operation to run after adding; empty skips it")

	recallCmd := &cobra.Command{
		Use:   "recall [query]",
		Short: "Answer a query from memory",
		Args:  cobra.MinimumNArgs(1),
		Run:   runRecall,
	}

	opCmd := &cobra.Command{
		Use:   "op <name> [query]",
		Short: "Run a configured operation",
		Long:  "Run any configured operation once. Frontend operations take an optional query.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runOp,
	}

	rememberCmd := &cobra.Command{
		Use:   "remember [content]",
		Short: "Store a fact directly",
		Long:  "Store a fact as a customized observation. Content can be a positional arg or piped via stdin.",
		Run:   runRemember,
	}

	forgetCmd := &cobra.Command{
		Use:   "forget <id>...",
		Short: "Delete memories by id",
		Args:  cobra.MinimumNArgs(1),
		Run:   runForget,
	}

	for _, c := range []*cobra.Command{addCmd, recallCmd, opCmd} {
		c.Flags().Bool("stream", false, "Echo model output to stderr as it is generated")
	}

	RootCmd.AddCommand(addCmd, recallCmd, opCmd, rememberCmd, forgetCmd)
}

func runAdd(cmd *cobra.Command, args []string) {
	role, _ := cmd.Flags().GetString("role")
	name, _ := cmd.Flags().GetString("name")
	opName, _ := cmd.Flags().GetString("op")

	a := streamApp(cmd)
	defer closeApp(a)

	var msgs []model.Message
	if len(args) > 0 {
		r := model.Role(role)
		if r != model.RoleUser && r != model.RoleAssistant {
			exitErr("add", fmt.Errorf("invalid role %q, must be user or assistant", role))
		}
		if name == "" {
			name = a.cfg.Global.UserName
			if r == model.RoleAssistant {
				name = a.cfg.Global.TargetName
			}
		}
		msgs = append(msgs, *model.NewMessage(r, name, strings.Join(args, " "), time.Time{}))
	} else {
		var err error
		if msgs, err = readMessages(os.Stdin); err != nil {
			exitErr("add", err)
		}
	}
	if len(msgs) == 0 {
		exitErr("add", fmt.Errorf("no messages (positional arg or JSON lines on stdin)"))
	}

	a.svc.AddMessages(msgs...)
	if opName == "" {
		printJSON(cmd.OutOrStdout(), a.svc.Messages())
		return
	}
	result, err := a.svc.DoOperation(cmd.Context(), opName, "")
	if err != nil {
		exitErr(opName, err)
	}
	printResult(cmd.OutOrStdout(), "result", result)
}

// streamApp builds the app, streaming generations to stderr when --stream
// is set.
func streamApp(cmd *cobra.Command) *app {
	if on, _ := cmd.Flags().GetBool("stream"); on {
		return mustApp(withStream(cmd.ErrOrStderr()))
	}
	return mustApp()
}

// readMessages decodes newline-delimited JSON messages, skipping blank lines.
func readMessages(r io.Reader) ([]model.Message, error) {
	var msgs []model.Message
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var m model.Message
		if err := json.Unmarshal([]byte(text), &m); err != nil {
			return nil, fmt.Errorf("message on line %d: %w", line, err)
		}
		if m.Role == "" {
			m.Role = model.RoleUser
		}
		msgs = append(msgs, m)
	}
	return msgs, sc.Err()
}

func runRecall(cmd *cobra.Command, args []string) {
	a := streamApp(cmd)
	defer closeApp(a)

	result, err := a.svc.ReadMemory(cmd.Context(), strings.Join(args, " "))
	if err != nil {
		exitErr("recall", err)
	}
	printResult(cmd.OutOrStdout(), "memory", result)
}

func runOp(cmd *cobra.Command, args []string) {
	a := streamApp(cmd)
	defer closeApp(a)

	result, err := a.svc.DoOperation(cmd.Context(), args[0], strings.Join(args[1:], " "))
	if err != nil {
		exitErr(args[0], err)
	}
	printResult(cmd.OutOrStdout(), "result", result)
}

func runRemember(cmd *cobra.Command, args []string) {
	content, err := readInput(args)
	if err != nil {
		exitErr("remember", err)
	}
	if strings.TrimSpace(content) == "" {
		exitErr("remember", fmt.Errorf("content is required (positional arg or stdin)"))
	}

	a := mustApp()
	defer closeApp(a)

	id, err := a.svc.Remember(cmd.Context(), content)
	if err != nil {
		exitErr("remember", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q}`+"\n", id)
}

func runForget(cmd *cobra.Command, args []string) {
	a := mustApp()
	defer closeApp(a)

	n, err := a.svc.Forget(cmd.Context(), args...)
	if err != nil {
		exitErr("forget", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"deleted":%d}`+"\n", n)
}
