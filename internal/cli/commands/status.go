package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"chirri/internal/dbcheck"
	"chirri/internal/storage"
	"chirri/internal/workspace"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show index counters",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var checkFlags dbcheck.Options

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the index and the local chunk directory",
	Long: `Check the index for refcount mismatches, schema defects, stray or corrupted
chunk files and broken exclude rules.

Problems are only reported unless the matching --fix flag is given.
Corrupted chunks are never repaired automatically.`,
	Args: cobra.NoArgs,
	RunE: runCheck,
}

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Migrate the index to the current version",
	Args:  cobra.NoArgs,
	RunE:  runUpgrade,
}

func init() {
	checkCmd.Flags().BoolVar(&checkFlags.RefcountFix, "fix-refcounts", false, "Recount chunk references")
	checkCmd.Flags().BoolVar(&checkFlags.SchemaFix, "fix-schema", false, "Re-apply schema migrations")
	checkCmd.Flags().BoolVar(&checkFlags.RemoveBad, "fix-remove-bad", false, "Delete stray files from the chunk directory")
	checkCmd.Flags().BoolVar(&checkFlags.ExcludeFix, "fix-excludes", false, "Disable broken exclude rules")
	rootCmd.AddCommand(statusCmd, checkCmd, upgradeCmd)
}

func statusName(status int64) string {
	switch status {
	case storage.StatusReady:
		return "ready"
	case 0:
		return "rebuilding: listing remote objects"
	case 1:
		return "rebuilding: loading snapshots"
	case 2:
		return "rebuilding: selecting snapshot"
	case 3:
		return "rebuilding: restoring files"
	}
	return fmt.Sprintf("unknown (%d)", status)
}

func chunkStatusName(status int) string {
	switch status {
	case storage.ChunkNew:
		return "new"
	case storage.ChunkPending:
		return "pending"
	case storage.ChunkUploaded:
		return "uploaded"
	}
	return fmt.Sprintf("status %d", status)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		status, err := ws.Status(ctx)
		if err != nil {
			return err
		}
		storageType, err := ws.Index.GetStr(ctx, storage.AttrStorageType)
		if err != nil {
			return err
		}
		algo, err := ws.Index.GetStr(ctx, storage.AttrCompression)
		if err != nil {
			return err
		}
		c, err := ws.Index.Counters(ctx)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "Root:        %s\n", ws.Root)
		fmt.Fprintf(out, "Index:       %s\n", statusName(status))
		fmt.Fprintf(out, "Storage:     %s\n", storageType)
		if algo == "" {
			algo = "none"
		}
		fmt.Fprintf(out, "Compression: %s\n", algo)
		fmt.Fprintf(out, "Snapshots:   %d\n", c.Snapshots)
		fmt.Fprintf(out, "Excludes:    %d\n", c.Excludes)
		fmt.Fprintf(out, "Chunks:      %d (%s, %s stored)\n", c.Chunks, formatBytes(c.Bytes), formatBytes(c.CBytes))
		fmt.Fprintf(out, "Unreferenced chunks: %d\n", c.Unreferenced)
		fmt.Fprintf(out, "Waiting for upload:  %d (%s)\n", c.PendingChunks, formatBytes(c.PendingBytes))
		for _, s := range c.ByStatus {
			fmt.Fprintf(out, "  %-9s %6d chunks %10s\n", chunkStatusName(s.Status), s.Chunks, formatBytes(s.CBytes))
		}
		for _, s := range c.ByCompression {
			name := s.Compression
			if name == "" {
				name = "none"
			}
			fmt.Fprintf(out, "  %-9s %6d chunks ratio %.2f\n", name, s.Chunks, s.Ratio())
		}
		ids := make([]int64, 0, len(c.FileRefs))
		for id := range c.FileRefs {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fmt.Fprintf(out, "  snapshot %d: %d entries\n", id, c.FileRefs[id])
		}
		return nil
	})
}

func runCheck(cmd *cobra.Command, args []string) error {
	return withWorkspace(cmd, func(ws *workspace.Workspace) error {
		rep, err := ws.Check(cmd.Context(), checkFlags)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, issue := range rep.Issues {
			fmt.Fprintln(out, issue.String())
		}
		if !rep.Clean() {
			return fmt.Errorf("check found problems that were not fixed")
		}
		fmt.Fprintln(out, "OK")
		return nil
	})
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	ws, err := workspace.Open(cmd.Context(), rootDir, workspace.Options{Settings: settings, Upgrade: true})
	if err != nil {
		return err
	}
	defer ws.Close()
	v, err := ws.Index.GetInt(cmd.Context(), storage.AttrDBVersion)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Index is at version %d\n", v)
	return nil
}
