package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"chirri/internal/snapshot"
	"chirri/internal/storage"
	"chirri/internal/workspace"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
	Long: `Manage the snapshots of a backup root.

Subcommands:
  new       Create a snapshot, optionally on top of a base snapshot
  run       Run (or resume) a snapshot until it is finished
  list      List snapshots
  show      Print a snapshot description
  delete    Mark a snapshot for removal at the next sync
  undelete  Keep a snapshot marked for removal
  restore   Restore a snapshot into a directory
  diff      Compare two snapshots

Examples:
  chirri snapshot new --base 3
  chirri snapshot run 4
  chirri snapshot show 4 --format json
  chirri snapshot restore 4 /tmp/restore -- docs/report.odt
  chirri snapshot diff 3 4`,
}

var snapshotNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a snapshot",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotNew,
}

var snapshotRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a snapshot until it is finished",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRun,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a snapshot description",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotShow,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Mark a snapshot for removal at the next sync",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var snapshotUndeleteCmd = &cobra.Command{
	Use:   "undelete <id>",
	Short: "Keep a snapshot marked for removal",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotUndelete,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <id> <target> [flags] [-- <path>...]",
	Short: "Restore a snapshot into a directory",
	Long: `Restore a finished snapshot into target.

Chunks no longer kept locally are downloaded from the backup storage.
If paths are given after --, only those paths (and everything below
them) are restored.

IMPORTANT: All flags must come BEFORE the -- separator.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSnapshotRestore,
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff <a> <b>",
	Short: "Compare two snapshots",
	Args:  cobra.ExactArgs(2),
	RunE:  runSnapshotDiff,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the backup root on top of the latest snapshot",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

// Flag variables
var (
	snapshotBase     int64
	snapshotFormat   string
	restoreOverwrite bool
	backupAndSync    bool
)

func init() {
	snapshotNewCmd.Flags().Int64Var(&snapshotBase, "base", 0, "Base snapshot to copy unchanged entries from")
	snapshotShowCmd.Flags().StringVar(&snapshotFormat, "format", snapshot.FormatCSV, "Description format: csv, json")
	snapshotRestoreCmd.Flags().BoolVar(&restoreOverwrite, "overwrite", false, "Restore into an existing directory, replacing files")
	backupCmd.Flags().BoolVar(&backupAndSync, "sync", false, "Sync after the snapshot")

	snapshotCmd.AddCommand(snapshotNewCmd, snapshotRunCmd, snapshotListCmd, snapshotShowCmd,
		snapshotDeleteCmd, snapshotUndeleteCmd, snapshotRestoreCmd, snapshotDiffCmd)
	rootCmd.AddCommand(snapshotCmd, backupCmd)
}

func snapshotStatusName(s *storage.SnapshotModel) string {
	name := fmt.Sprintf("status %d", s.Status)
	switch s.Status {
	case storage.SnapshotRebuilding:
		name = "rebuilding"
	case storage.SnapshotDiscover:
		name = "discover"
	case storage.SnapshotPrune:
		name = "prune"
	case storage.SnapshotHash:
		name = "hash"
	case storage.SnapshotFinalize:
		name = "finalize"
	case storage.SnapshotReady:
		name = "ready"
	case storage.SnapshotSigned:
		name = "uploaded"
	}
	if s.Deleted {
		name += ", deleted"
	}
	return name
}

func runSnapshotNew(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		if err := ws.RequireReady(cmd.Context()); err != nil {
			return err
		}
		var base *int64
		if cmd.Flags().Changed("base") {
			base = &snapshotBase
		}
		snap, err := ws.Snapshots.New(cmd.Context(), base)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created snapshot %d\n", snap.Snapshot)
		return nil
	})
}

func runSnapshotRun(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "snapshot")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		if err := ws.RequireReady(cmd.Context()); err != nil {
			return err
		}
		snap, err := ws.Snapshots.Run(cmd.Context(), id)
		if err != nil {
			return err
		}
		printSnapshotDone(cmd, ws, snap)
		return nil
	})
}

func printSnapshotDone(cmd *cobra.Command, ws *workspace.Workspace, snap *storage.SnapshotModel) {
	n, err := ws.Index.CountFileRefs(cmd.Context(), snap.Snapshot)
	if err != nil {
		n = -1
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %d finished: %d entries\n", snap.Snapshot, n)
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		snaps, err := ws.Snapshots.List(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(snaps) == 0 {
			fmt.Fprintln(out, "No snapshots")
			return nil
		}
		fmt.Fprintf(out, "%-6s %-20s %-20s %-20s %s\n", "ID", "STARTED", "FINISHED", "UPLOADED", "STATUS")
		for i := range snaps {
			s := &snaps[i]
			fmt.Fprintf(out, "%-6d %-20s %-20s %-20s %s\n", s.Snapshot,
				formatTime(s.StartedTstamp), formatTime(s.FinishedTstamp), formatTime(s.SignedTstamp),
				snapshotStatusName(s))
		}
		return nil
	})
}

func runSnapshotShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "snapshot")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		data, err := ws.Snapshots.Render(cmd.Context(), id, snapshotFormat)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	})
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "snapshot")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		if err := ws.Snapshots.Delete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %d will be removed at the next sync\n", id)
		return nil
	})
}

func runSnapshotUndelete(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "snapshot")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		if err := ws.Snapshots.Undelete(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %d kept\n", id)
		return nil
	})
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0], "snapshot")
	if err != nil {
		return err
	}
	target := args[1]
	var paths []string
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		if dash != 2 {
			return fmt.Errorf("restore takes exactly <id> <target> before --")
		}
		paths = args[dash:]
	} else if len(args) > 2 {
		return fmt.Errorf("paths to restore must follow --")
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		opts := snapshot.RestoreOptions{Overwrite: restoreOverwrite, Paths: paths}
		if err := ws.Restore(cmd.Context(), id, target, opts); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot %d into %s\n", id, target)
		return nil
	})
}

func runSnapshotDiff(cmd *cobra.Command, args []string) error {
	a, err := parseID(args[0], "snapshot")
	if err != nil {
		return err
	}
	b, err := parseID(args[1], "snapshot")
	if err != nil {
		return err
	}
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		changes, err := ws.Snapshots.Diff(cmd.Context(), a, b)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range changes {
			fmt.Fprintf(out, "%s %s\n", c.Kind, c.Path)
		}
		return nil
	})
}

func runBackup(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		snap, err := ws.Backup(cmd.Context())
		if err != nil {
			return err
		}
		printSnapshotDone(cmd, ws, snap)
		if !backupAndSync {
			return nil
		}
		rep, err := ws.Sync(cmd.Context())
		if err != nil {
			return err
		}
		printSyncReport(cmd, rep)
		return nil
	})
}
