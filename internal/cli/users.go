package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "User and target management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List user/target pairs with stored memories",
		Run:   runUsersList,
	}

	usersCmd.AddCommand(listCmd)
	RootCmd.AddCommand(usersCmd)
}

func runUsersList(cmd *cobra.Command, args []string) {
	s, _ := mustStore()
	defer s.Close()

	stats, err := s.Stats(cmd.Context())
	if err != nil {
		exitErr("list users", err)
	}

	if formatFlag == "text" {
		for _, u := range stats.Users {
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\t%d\n", u.UserName, u.TargetName, u.Count)
		}
		return
	}
	printJSON(cmd.OutOrStdout(), stats.Users)
}
