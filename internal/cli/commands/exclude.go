package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"chirri/internal/exclude"
	"chirri/internal/storage"
	"chirri/internal/workspace"
)

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage exclude rules",
	Long: `Manage the rules that keep paths out of snapshots.

Rule types:
  literal    the exact root-relative path
  wildcard   * and ? glob; a leading / anchors at the root
  regex      Go regular expression against the root-relative path
  gitignore  a .gitignore line

Examples:
  chirri exclude add '*.tmp'
  chirri exclude add --type regex '^cache/.*\.bin$'
  chirri exclude add --type gitignore 'node_modules/'
  chirri exclude disable 3`,
}

var excludeAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Add an exclude rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runExcludeAdd,
}

var excludeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List exclude rules",
	Args:  cobra.NoArgs,
	RunE:  runExcludeList,
}

var excludeDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete an exclude rule",
	Args:  cobra.ExactArgs(1),
	RunE:  runExcludeDelete,
}

var excludeEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable an exclude rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setExcludeDisabled(cmd, args[0], false)
	},
}

var excludeDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an exclude rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setExcludeDisabled(cmd, args[0], true)
	},
}

var (
	excludeType       string
	excludeIgnoreCase bool
)

func init() {
	excludeAddCmd.Flags().StringVar(&excludeType, "type", "wildcard", "Rule type: literal, wildcard, regex, gitignore")
	excludeAddCmd.Flags().BoolVarP(&excludeIgnoreCase, "ignore-case", "i", false, "Match case-insensitively")
	excludeCmd.AddCommand(excludeAddCmd, excludeListCmd, excludeDeleteCmd, excludeEnableCmd, excludeDisableCmd)
	rootCmd.AddCommand(excludeCmd)
}

func runExcludeAdd(cmd *cobra.Command, args []string) error {
	exprType, ok := storage.ParseExprType(excludeType)
	if !ok {
		return fmt.Errorf("unknown rule type %q", excludeType)
	}
	rule := &storage.ExcludeModel{Pattern: args[0], ExprType: exprType, IgnoreCase: excludeIgnoreCase}
	if err := exclude.Validate(*rule); err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		if err := ws.Index.AddExclude(cmd.Context(), rule); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added exclude rule %d\n", rule.ID)
		return nil
	})
}

func runExcludeList(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		rules, err := ws.Index.ListExcludes(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(rules) == 0 {
			fmt.Fprintln(out, "No exclude rules")
			return nil
		}
		for _, r := range rules {
			flags := ""
			if r.IgnoreCase {
				flags += " ignore-case"
			}
			if r.Disabled {
				flags += " disabled"
			}
			fmt.Fprintf(out, "%4d %-9s %s%s\n", r.ID, storage.ExprTypeName(r.ExprType), r.Pattern, flags)
		}
		return nil
	})
}

func runExcludeDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "exclude")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		if err := ws.Index.DeleteExclude(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted exclude rule %d\n", id)
		return nil
	})
}

func setExcludeDisabled(cmd *cobra.Command, arg string, disabled bool) error {
	id, err := parseID(arg, "exclude")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		rule, err := ws.Index.GetExclude(cmd.Context(), id)
		if err != nil {
			return err
		}
		if !disabled {
			if err := exclude.Validate(*rule); err != nil {
				return err
			}
		}
		rule.Disabled = disabled
		if err := ws.Index.UpdateExclude(cmd.Context(), rule); err != nil {
			return err
		}
		state := "enabled"
		if disabled {
			state = "disabled"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Exclude rule %d %s\n", id, state)
		return nil
	})
}
