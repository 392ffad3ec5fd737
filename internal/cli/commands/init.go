package commands

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"chirri/internal/backend"
	"chirri/internal/compress"
	"chirri/internal/workspace"
)

// storageFlags are the storage settings shared by init and rebuild.
type storageFlags struct {
	storageType string
	localDir    string
	gsBucket    string
	gsFolder    string
	gsCreds     string
	compression string
}

func (f *storageFlags) register(fs *pflag.FlagSet, defaultType string) {
	fs.StringVar(&f.storageType, "storage", defaultType, "Storage type: local, gs")
	fs.StringVar(&f.localDir, "local-dir", "", "Directory holding the backup (local storage)")
	fs.StringVar(&f.gsBucket, "gs-bucket", "", "Bucket name (gs storage)")
	fs.StringVar(&f.gsFolder, "gs-folder", "", "Folder inside the bucket (gs storage)")
	fs.StringVar(&f.gsCreds, "gs-creds", "", "Service account JSON key file (gs storage)")
	fs.StringVar(&f.compression, "compression", "",
		"Chunk compression: "+strings.Join(append([]string{"none"}, compress.Names()...), ", "))
}

// setup turns the flags into a workspace setup. Only flags given on the
// command line are set.
func (f *storageFlags) setup(cmd *cobra.Command) (workspace.Setup, error) {
	s := workspace.Setup{StorageType: f.storageType, Storage: map[string]string{}}
	if cmd.Flags().Changed("compression") {
		algo := f.compression
		s.Compression = &algo
	}
	if f.localDir != "" {
		abs, err := filepath.Abs(f.localDir)
		if err != nil {
			return s, err
		}
		s.Storage[backend.AttrLocalDir] = abs
	}
	if f.gsCreds != "" {
		abs, err := filepath.Abs(f.gsCreds)
		if err != nil {
			return s, err
		}
		s.Storage[backend.AttrGCSCredentials] = abs
	}
	for key, value := range map[string]string{
		backend.AttrGCSBucket: f.gsBucket,
		backend.AttrGCSFolder: f.gsFolder,
	} {
		if value != "" {
			s.Storage[key] = value
		}
	}
	return s, nil
}

var initFlags storageFlags

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Make a directory a backup root",
	Long: `Create the index of a new backup root and record where its backup is stored.

Examples:
  chirri init --storage local --local-dir /mnt/backup/photos
  chirri init -d ~/photos --storage gs --gs-bucket my-backups --gs-folder photos
  chirri init --storage local --local-dir /mnt/backup --compression none`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initFlags.register(initCmd.Flags(), backend.TypeLocal)
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	setup, err := initFlags.setup(cmd)
	if err != nil {
		return err
	}
	ws, err := workspace.Init(cmd.Context(), rootDir, setup, workspace.Options{Settings: settings})
	if err != nil {
		return err
	}
	defer ws.Close()
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized backup root %s (storage: %s)\n", ws.Root, setup.StorageType)
	return nil
}
