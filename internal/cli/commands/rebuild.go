package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"chirri/internal/backend"
	"chirri/internal/common"
	"chirri/internal/storage"
	"chirri/internal/workspace"
)

var rebuildFlags storageFlags

var (
	rebuildSnapshot   int64
	rebuildConfigFile string
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recover a backup root from its remote backup",
	Long: `Recreate the index of a backup root from the backup storage and restore
the latest uploaded snapshot (or the one given by --snapshot) into it.

An interrupted rebuild is resumed by running the command again in the
same root; the storage flags are then ignored.

Storage settings can come from the flags, from a config backup file
(--config-file) or both; the flags win.

Examples:
  chirri rebuild -d ~/photos --storage local --local-dir /mnt/backup/photos
  chirri rebuild -d ~/photos --config-file photos-config.json
  chirri rebuild -d ~/photos --storage gs --gs-bucket my-backups --snapshot 12`,
	Args: cobra.NoArgs,
	RunE: runRebuild,
}

func init() {
	rebuildFlags.register(rebuildCmd.Flags(), "")
	rebuildCmd.Flags().Int64Var(&rebuildSnapshot, "snapshot", 0, "Snapshot to restore instead of the latest")
	rebuildCmd.Flags().StringVar(&rebuildConfigFile, "config-file", "", "Config backup to import before rebuilding")
	rootCmd.AddCommand(rebuildCmd)
}

func runRebuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var snapshotID *int64
	if cmd.Flags().Changed("snapshot") {
		if rebuildSnapshot <= 0 {
			return fmt.Errorf("invalid snapshot id %d", rebuildSnapshot)
		}
		snapshotID = &rebuildSnapshot
	}
	opts := workspace.Options{Settings: settings}

	root, err := filepath.Abs(rootDir)
	if err != nil {
		return err
	}
	_, err = os.Stat(storage.IndexPath(root))
	switch {
	case err == nil:
		return resumeRebuild(cmd, root, snapshotID, opts)
	case !errors.Is(err, os.ErrNotExist):
		return err
	}

	var export *storage.ConfigExport
	if rebuildConfigFile != "" {
		data, err := os.ReadFile(rebuildConfigFile)
		if err != nil {
			return err
		}
		if export, err = storage.ParseConfigExport(data); err != nil {
			return fmt.Errorf("%s: %w", rebuildConfigFile, err)
		}
	}
	setup, err := rebuildFlags.setup(cmd)
	if err != nil {
		return err
	}
	if setup.StorageType == "" && export == nil {
		return fmt.Errorf("either --storage or --config-file is required (storage types: %s, %s)",
			backend.TypeLocal, backend.TypeGCS)
	}
	ws, err := workspace.InitRebuild(ctx, root, setup, export, opts)
	if err != nil {
		return err
	}
	defer ws.Close()
	return finishRebuild(cmd, ws, snapshotID)
}

func resumeRebuild(cmd *cobra.Command, root string, snapshotID *int64, opts workspace.Options) error {
	ws, err := workspace.Open(cmd.Context(), root, opts)
	if err != nil {
		return err
	}
	defer ws.Close()
	status, err := ws.Status(cmd.Context())
	if err != nil {
		return err
	}
	if status == storage.StatusReady {
		return fmt.Errorf("%w: %s is already a backup root", common.ErrInvalidState, root)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Resuming rebuild at phase %d\n", status)
	return finishRebuild(cmd, ws, snapshotID)
}

func finishRebuild(cmd *cobra.Command, ws *workspace.Workspace, snapshotID *int64) error {
	if err := ws.Rebuild(cmd.Context(), snapshotID); err != nil {
		return err
	}
	id, err := ws.Index.GetInt(cmd.Context(), storage.AttrRebuildSnapshot)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rebuild finished: restored snapshot %d into %s\n", id, ws.Root)
	return nil
}
