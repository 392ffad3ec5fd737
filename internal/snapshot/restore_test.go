package snapshot

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chirri/internal/backend"
	"chirri/internal/chunk"
	"chirri/internal/common"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "top.txt", "top")
	f.write(t, "dup/one", "twin")
	f.write(t, "dup/two", "twin")
	f.write(t, "deep/er/file", "deep")
	require.NoError(t, os.Chmod(filepath.Join(f.root, "deep/er/file"), 0640))
	require.NoError(t, os.Chmod(filepath.Join(f.root, "deep"), 0750))
	require.NoError(t, os.Symlink("../top.txt", filepath.Join(f.root, "dup/link")))
	snap := f.snapshot(t, nil)

	be := backend.NewMemory()
	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, f.engine.Restore(ctx, snap.Snapshot, be, target, RestoreOptions{}))
	assert.Empty(t, be.Names())

	assert.Equal(t, "top", readFile(t, filepath.Join(target, "top.txt")))
	assert.Equal(t, "twin", readFile(t, filepath.Join(target, "dup/one")))
	assert.Equal(t, "twin", readFile(t, filepath.Join(target, "dup/two")))
	assert.Equal(t, "deep", readFile(t, filepath.Join(target, "deep/er/file")))
	link, err := os.Readlink(filepath.Join(target, "dup/link"))
	require.NoError(t, err)
	assert.Equal(t, "../top.txt", link)

	info, err := os.Stat(filepath.Join(target, "deep/er/file"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())
	assert.Equal(t, fixedTime.Unix(), info.ModTime().Unix())
	info, err = os.Stat(filepath.Join(target, "deep"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), info.Mode().Perm())

	_, err = os.Stat(filepath.Join(target, common.IndexFileName))
	assert.True(t, os.IsNotExist(err))
	leftovers, err := filepath.Glob(filepath.Join(target, ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestRestore_Overwrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a", "original")
	f.write(t, "b", "kept")
	snap := f.snapshot(t, nil)
	be := backend.NewMemory()

	target := t.TempDir()
	err := f.engine.Restore(ctx, snap.Snapshot, be, target, RestoreOptions{})
	assert.ErrorIs(t, err, common.ErrExists)

	require.NoError(t, os.WriteFile(filepath.Join(target, "a"), []byte("changed"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(target, "b"), []byte("kept"), 0600))
	require.NoError(t, f.engine.Restore(ctx, snap.Snapshot, be, target, RestoreOptions{Overwrite: true}))
	assert.Equal(t, "original", readFile(t, filepath.Join(target, "a")))
	info, err := os.Stat(filepath.Join(target, "b"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm(), "an identical file still gets its properties")

	notDir := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(notDir, nil, 0600))
	err = f.engine.Restore(ctx, snap.Snapshot, be, notDir, RestoreOptions{Overwrite: true})
	assert.ErrorIs(t, err, common.ErrInvalidPath)
}

func TestRestore_FromBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "remote", "only in the bucket")
	snap := f.snapshot(t, nil)

	be := backend.NewMemory()
	chunks, err := f.idx.ListChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.NoError(t, f.chunks.Upload(ctx, &chunks[0], be))
	require.NoError(t, f.chunks.RemoveLocal(&chunks[0]))

	target := filepath.Join(t.TempDir(), "out")
	require.NoError(t, f.engine.Restore(ctx, snap.Snapshot, be, target, RestoreOptions{}))
	assert.Equal(t, "only in the bucket", readFile(t, filepath.Join(target, "remote")))
}

// failingDownloads records where chunks are fetched to and then fails.
type failingDownloads struct {
	backend.Backend
	paths []string
}

func (b *failingDownloads) DownloadFile(ctx context.Context, name, localPath string) error {
	b.paths = append(b.paths, localPath)
	if err := os.WriteFile(localPath, []byte("partial"), 0600); err != nil {
		return err
	}
	return errors.New("connection reset")
}

func TestRestore_StagesInChunkStore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "dir/remote", "only in the bucket")
	snap := f.snapshot(t, nil)

	chunks, err := f.idx.ListChunks(ctx)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	be := &failingDownloads{Backend: backend.NewMemory()}
	require.NoError(t, f.chunks.Upload(ctx, &chunks[0], be))
	require.NoError(t, f.chunks.RemoveLocal(&chunks[0]))

	target := filepath.Join(t.TempDir(), "out")
	err = f.engine.Restore(ctx, snap.Snapshot, be, target, RestoreOptions{})
	require.Error(t, err)

	require.Len(t, be.paths, 1)
	assert.Equal(t, f.chunks.Dir(), filepath.Dir(be.paths[0]))
	assert.True(t, chunk.IsTempName(filepath.Base(be.paths[0])))

	var written []string
	require.NoError(t, filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			written = append(written, path)
		}
		return err
	}))
	assert.Empty(t, written, "a failed restore leaves no files in the target")
	entries, err := os.ReadDir(f.chunks.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// a retry once the chunk is reachable again completes the restore
	require.NoError(t, f.engine.Restore(ctx, snap.Snapshot, be.Backend, target, RestoreOptions{Overwrite: true}))
	assert.Equal(t, "only in the bucket", readFile(t, filepath.Join(target, "dir/remote")))
	entries, err = os.ReadDir(f.chunks.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestore_Paths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "keep/me/x", "x")
	f.write(t, "keep/other", "o")
	f.write(t, "skip/y", "y")
	snap := f.snapshot(t, nil)

	target := filepath.Join(t.TempDir(), "out")
	opts := RestoreOptions{Paths: []string{"keep/me"}}
	require.NoError(t, f.engine.Restore(ctx, snap.Snapshot, backend.NewMemory(), target, opts))

	assert.Equal(t, "x", readFile(t, filepath.Join(target, "keep/me/x")))
	for _, p := range []string{"keep/other", "skip"} {
		_, err := os.Lstat(filepath.Join(target, p))
		assert.True(t, os.IsNotExist(err), p)
	}
}

func TestRestore_Unfinished(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	snap, err := f.engine.New(ctx, nil)
	require.NoError(t, err)
	err = f.engine.Restore(ctx, snap.Snapshot, backend.NewMemory(), t.TempDir(), RestoreOptions{})
	assert.ErrorIs(t, err, common.ErrInvalidState)
}
