package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"chirri/internal/storage"
	"chirri/internal/workspace"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage config backups",
	Long: `Manage config backups: copies of the saved attributes and exclude rules
that the next sync uploads next to the snapshots. A config backup file can
be passed to 'chirri rebuild --config-file'.`,
}

var configSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the current configuration as a config backup",
	Args:  cobra.NoArgs,
	RunE:  runConfigSave,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List config backups",
	Args:  cobra.NoArgs,
	RunE:  runConfigList,
}

var configShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a config backup",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigShow,
}

var configDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a config backup at the next sync",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigDelete,
}

func init() {
	configCmd.AddCommand(configSaveCmd, configListCmd, configShowCmd, configDeleteCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigSave(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		cb, err := ws.Index.SaveConfigBackup(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved config backup %d\n", cb.ID)
		return nil
	})
}

func runConfigList(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		backups, err := ws.Index.ListConfigBackups(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(backups) == 0 {
			fmt.Fprintln(out, "No config backups")
			return nil
		}
		for _, cb := range backups {
			state := "local"
			if cb.Status == storage.ConfigUploaded {
				state = "uploaded"
			}
			if cb.Deleted {
				state += ", deleted"
			}
			fmt.Fprintf(out, "%4d %s %s\n", cb.ID, formatTime(cb.Tstamp), state)
		}
		return nil
	})
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "config")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		cb, err := ws.Index.GetConfigBackup(cmd.Context(), id)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cb.Config)
		return nil
	})
}

func runConfigDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "config")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		if err := ws.Index.SetConfigBackupDeleted(cmd.Context(), id, true); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Config backup %d will be removed at the next sync\n", id)
		return nil
	})
}
