package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"chirri/internal/syncer"
	"chirri/internal/workspace"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Publish snapshots, chunks and config backups to the backup storage",
	Long: `Upload finished snapshots, pending chunks and config backups, and remove
from the backup storage whatever was deleted locally.

A chunk whose upload keeps failing is left for the next sync; the command
then exits with an error after everything else is done.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func printSyncReport(cmd *cobra.Command, rep *syncer.Report) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Snapshots: %d uploaded, %d removed\n", rep.SnapshotsUploaded, rep.SnapshotsDestroyed)
	fmt.Fprintf(out, "Chunks:    %d compressed, %d uploaded (%s), %d dropped\n",
		rep.ChunksCompressed, rep.ChunksUploaded, formatBytes(rep.Bytes), rep.ChunksDropped)
	fmt.Fprintf(out, "Configs:   %d uploaded, %d removed\n", rep.ConfigsUploaded, rep.ConfigsDestroyed)
	if rep.Swept > 0 {
		fmt.Fprintf(out, "Removed %d stale files from the chunk directory\n", rep.Swept)
	}
	for _, hash := range rep.Abandoned {
		fmt.Fprintf(out, "  upload failed: %s\n", hash)
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		rep, err := ws.Sync(cmd.Context())
		if err != nil {
			return err
		}
		printSyncReport(cmd, rep)
		if len(rep.Abandoned) > 0 {
			return fmt.Errorf("%d chunks could not be uploaded, run sync again", len(rep.Abandoned))
		}
		return nil
	})
}
