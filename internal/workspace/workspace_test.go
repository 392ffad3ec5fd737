package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chirri/internal/backend"
	"chirri/internal/common"
	"chirri/internal/compress"
	"chirri/internal/config"
	"chirri/internal/dbcheck"
	"chirri/internal/snapshot"
	"chirri/internal/storage"
)

func testSettings() *config.GlobalSettings {
	s := &config.GlobalSettings{Compression: compress.LZ4}
	s.ApplyDefaults()
	s.Retry.Delay = 1
	return s
}

func localSetup(dir string) Setup {
	return Setup{
		StorageType: backend.TypeLocal,
		Storage:     map[string]string{backend.AttrLocalDir: dir},
	}
}

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	bucket := t.TempDir()

	ws, err := Init(ctx, root, localSetup(bucket), Options{Settings: testSettings()})
	require.NoError(t, err)
	defer ws.Close()

	assert.FileExists(t, storage.IndexPath(root))
	assert.DirExists(t, filepath.Join(root, common.ChunksDirName))
	algo, err := ws.Index.GetStr(ctx, storage.AttrCompression)
	require.NoError(t, err)
	assert.Equal(t, compress.LZ4, algo)
	dir, err := ws.Index.GetStr(ctx, backend.AttrLocalDir)
	require.NoError(t, err)
	assert.Equal(t, bucket, dir)
	require.NoError(t, ws.RequireReady(ctx))

	be, err := ws.Backend(ctx)
	require.NoError(t, err)
	assert.IsType(t, &backend.Local{}, be)
}

func TestInit_Rejects(t *testing.T) {
	ctx := context.Background()
	none := compress.None
	brotli := "brotli"
	tests := []struct {
		name  string
		setup Setup
	}{
		{"unknown storage", Setup{StorageType: "ftp"}},
		{"local without dir", Setup{StorageType: backend.TypeLocal}},
		{"gs without bucket", Setup{StorageType: backend.TypeGCS, Compression: &none}},
		{"foreign attribute", Setup{StorageType: backend.TypeLocal, Storage: map[string]string{
			backend.AttrLocalDir: "/x", backend.AttrGCSBucket: "b"}}},
		{"unknown compression", Setup{StorageType: backend.TypeLocal,
			Storage: map[string]string{backend.AttrLocalDir: "/x"}, Compression: &brotli}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			_, err := Init(ctx, root, tt.setup, Options{Settings: testSettings()})
			assert.Error(t, err)
			assert.NoFileExists(t, storage.IndexPath(root))
		})
	}

	root := t.TempDir()
	ws, err := Init(ctx, root, localSetup(t.TempDir()), Options{Settings: testSettings()})
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	_, err = Init(ctx, root, localSetup(t.TempDir()), Options{Settings: testSettings()})
	assert.ErrorIs(t, err, common.ErrExists)
}

func TestOpen_Locking(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	ws, err := Init(ctx, root, localSetup(t.TempDir()), Options{Settings: testSettings()})
	require.NoError(t, err)

	_, err = Open(ctx, root, Options{})
	assert.ErrorIs(t, err, common.ErrLocked)

	require.NoError(t, ws.Close())
	ws, err = Open(ctx, root, Options{})
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	_, err = Open(ctx, t.TempDir(), Options{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestBackupSyncRebuild(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	bucket := t.TempDir()
	ws, err := Init(ctx, root, localSetup(bucket), Options{Settings: testSettings()})
	require.NoError(t, err)

	write(t, root, "a/one.txt", "one")
	write(t, root, "two.txt", "two")
	first, err := ws.Backup(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.SnapshotReady, first.Status)

	write(t, root, "two.txt", "two, edited")
	second, err := ws.Backup(ctx)
	require.NoError(t, err)
	changes, err := ws.Snapshots.Diff(ctx, first.Snapshot, second.Snapshot)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "two.txt", changes[0].Path)

	rep, err := ws.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.SnapshotsUploaded)
	assert.Empty(t, rep.Abandoned)

	check, err := ws.Check(ctx, dbcheck.Options{})
	require.NoError(t, err)
	assert.Empty(t, check.Issues)

	// an uploaded snapshot restores from the bucket alone
	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, ws.Restore(ctx, first.Snapshot, target, snapshot.RestoreOptions{}))
	data, err := os.ReadFile(filepath.Join(target, "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	export, err := ws.Index.ConfigSnapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	// the storage settings come from the export
	lost := t.TempDir()
	rws, err := InitRebuild(ctx, lost, Setup{}, export, Options{Settings: testSettings()})
	require.NoError(t, err)
	defer rws.Close()
	assert.Error(t, rws.RequireReady(ctx))
	_, err = rws.Backup(ctx)
	assert.ErrorIs(t, err, common.ErrInvalidState)

	require.NoError(t, rws.Rebuild(ctx, nil))
	require.NoError(t, rws.RequireReady(ctx))
	data, err = os.ReadFile(filepath.Join(lost, "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two, edited", string(data))
	algo, err := rws.Index.GetStr(ctx, storage.AttrCompression)
	require.NoError(t, err)
	assert.Equal(t, compress.LZ4, algo)
}

func TestBackup_WithInjectedBackend(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	mem := backend.NewMemory()
	ws, err := Init(ctx, root, localSetup("/nonexistent/bucket"), Options{Settings: testSettings(), Backend: mem})
	require.NoError(t, err)
	defer ws.Close()

	write(t, root, "f", "content")
	_, err = ws.Backup(ctx)
	require.NoError(t, err)
	_, err = ws.Sync(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, mem.Names())
	assert.Equal(t, 1, mem.Completed())
}
