package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chirri/internal/config"
	"chirri/internal/storage"
	"chirri/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// Global flags and the settings loaded before every command.
var (
	rootDir  string
	verbose  bool
	settings *config.GlobalSettings
)

var rootCmd = &cobra.Command{
	Use:   "chirri",
	Short: "Deduplicating backup of a directory tree to local or cloud storage",
	Long: `chirri snapshots a directory tree into a local index, stores every distinct
file content once, and publishes snapshots and content to a local directory
or a Google Cloud Storage bucket. A lost index can be rebuilt from the
remote copy alone.

The backup root defaults to the current directory (see --dir).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := config.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		loaded, err := config.LoadGlobalSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		settings = loaded
		storage.SetConfigBusyTimeout(settings.BusyTimeout)
		return config.SetupLogging(settings, verbose)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("chirri version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVarP(&rootDir, "dir", "d", ".", "Backup root directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

// Execute runs the root command. Cancelling ctx interrupts long-running
// commands between steps they can resume from.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// openWorkspace opens the backup root named by --dir.
func openWorkspace(cmd *cobra.Command) (*workspace.Workspace, error) {
	return workspace.Open(cmd.Context(), rootDir, workspace.Options{Settings: settings})
}

// withWorkspace opens the backup root, runs fn and closes it again.
func withWorkspace(cmd *cobra.Command, fn func(ws *workspace.Workspace) error) error {
	ws, err := openWorkspace(cmd)
	if err != nil {
		return err
	}
	err = fn(ws)
	if cerr := ws.Close(); err == nil {
		err = cerr
	}
	return err
}

// formatBytes formats bytes in human-readable form
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// formatTime renders a unix timestamp, "-" for unset.
func formatTime(ts int64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(ts, 0).Format("2006-01-02 15:04:05")
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s id %q", what, s)
	}
	return id, nil
}
