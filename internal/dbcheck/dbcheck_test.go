package dbcheck

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chirri/internal/chunk"
	"chirri/internal/common"
	"chirri/internal/storage"
)

type fixture struct {
	root   string
	idx    *storage.Index
	chunks *chunk.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	idx, err := storage.Create(storage.IndexPath(root))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	chunks, err := chunk.New(idx.BunDB, filepath.Join(root, common.ChunksDirName), chunk.Options{})
	require.NoError(t, err)
	return &fixture{root: root, idx: idx, chunks: chunks}
}

func (f *fixture) store(t *testing.T, name, content string) *storage.ChunkModel {
	t.Helper()
	path := filepath.Join(f.root, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	c, err := f.chunks.Store(context.Background(), f.idx.DB, path, name)
	require.NoError(t, err)
	return c
}

func (f *fixture) stray(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.chunks.Dir(), name)
	require.NoError(t, os.WriteFile(path, []byte("stray"), 0644))
	return path
}

func TestCheck_CleanIndex(t *testing.T) {
	f := newFixture(t)
	f.store(t, "a", "alpha")
	f.store(t, "b", "beta")

	rep, err := Check(context.Background(), f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Empty(t, rep.Issues)
	assert.True(t, rep.Clean())
}

func TestCheck_Refcounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.store(t, "a", "alpha")
	require.NoError(t, f.idx.FixRefcount(ctx, c.Hash, 3))

	rep, err := Check(ctx, f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(KindRefcount))
	assert.False(t, rep.Clean())
	got, err := f.idx.GetChunk(ctx, c.Hash)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Refcount, "reported only")

	rep, err = Check(ctx, f.idx.BunDB, f.chunks, Options{RefcountFix: true})
	require.NoError(t, err)
	assert.True(t, rep.Clean())
	got, err = f.idx.GetChunk(ctx, c.Hash)
	require.NoError(t, err)
	assert.Zero(t, got.Refcount)

	rep, err = Check(ctx, f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Empty(t, rep.Issues)
}

func TestCheck_LocalChunkDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	kept := f.store(t, "a", "alpha")
	uploaded := f.store(t, "b", "beta")
	require.NoError(t, f.idx.SetChunkStatus(ctx, uploaded.Hash, storage.ChunkUploaded))

	temp := f.stray(t, ".0123.tmp")
	bad := f.stray(t, "not-a-chunk")
	unknown := f.stray(t, chunk.Filename(strings.Repeat("ab", 64), 5, ""))
	stale := f.stray(t, chunk.Filename(kept.Hash, kept.Size, "zstd"))
	require.NoError(t, os.Mkdir(filepath.Join(f.chunks.Dir(), "subdir"), 0755))

	rep, err := Check(ctx, f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(KindTempFile))
	assert.Equal(t, 2, rep.Count(KindBadName), "bad name and directory")
	assert.Equal(t, 2, rep.Count(KindUnknownChunk), "unknown hash and stale encoding")
	assert.Equal(t, 1, rep.Count(KindUploadedCopy))
	for _, path := range []string{temp, bad, unknown, stale, f.chunks.Path(uploaded)} {
		assert.FileExists(t, path, "nothing is removed without RemoveBad")
	}

	rep, err = Check(ctx, f.idx.BunDB, f.chunks, Options{RemoveBad: true})
	require.NoError(t, err)
	for _, path := range []string{temp, bad, unknown, stale, f.chunks.Path(uploaded)} {
		assert.NoFileExists(t, path)
	}
	assert.FileExists(t, f.chunks.Path(kept))
	assert.DirExists(t, filepath.Join(f.chunks.Dir(), "subdir"))
	// fixed entries stay in the report, flagged
	assert.Equal(t, 2, rep.Count(KindBadName))
	for _, issue := range rep.Issues {
		if issue.Kind != KindBadName {
			continue
		}
		if issue.Subject == filepath.Join(f.chunks.Dir(), "subdir") {
			assert.False(t, issue.Fixed, "directories are never removed")
		} else {
			assert.True(t, issue.Fixed, issue.Subject)
		}
	}
	assert.False(t, rep.Clean())
}

func TestCheck_CorruptAndMissingChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	corrupt := f.store(t, "a", "alpha")
	missing := f.store(t, "b", "beta")
	require.NoError(t, os.WriteFile(f.chunks.Path(corrupt), []byte("ALPHA"), 0644))
	require.NoError(t, os.Remove(f.chunks.Path(missing)))

	rep, err := Check(ctx, f.idx.BunDB, f.chunks, Options{RemoveBad: true, RefcountFix: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(KindCorruptChunk))
	assert.Equal(t, 1, rep.Count(KindMissingChunk))
	assert.False(t, rep.Clean())
	assert.FileExists(t, f.chunks.Path(corrupt), "corrupted data is never touched")
}

func TestCheck_Excludes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	good := &storage.ExcludeModel{Pattern: "*.log", ExprType: storage.ExcludeWildcard}
	broken := &storage.ExcludeModel{Pattern: "([a-", ExprType: storage.ExcludeRegex}
	disabled := &storage.ExcludeModel{Pattern: "(", ExprType: storage.ExcludeRegex, Disabled: true}
	for _, x := range []*storage.ExcludeModel{good, broken, disabled} {
		require.NoError(t, f.idx.AddExclude(ctx, x))
	}

	rep, err := Check(ctx, f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(KindBadExclude))

	rep, err = Check(ctx, f.idx.BunDB, f.chunks, Options{ExcludeFix: true})
	require.NoError(t, err)
	assert.True(t, rep.Clean())
	got, err := f.idx.GetExclude(ctx, broken.ID)
	require.NoError(t, err)
	assert.True(t, got.Disabled)
	assert.Equal(t, "([a-", got.Pattern)
	got, err = f.idx.GetExclude(ctx, good.ID)
	require.NoError(t, err)
	assert.False(t, got.Disabled)
}

func TestCheck_Schema(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.idx.DB.ExecContext(ctx, `DROP INDEX idx_file_ref_hash`)
	require.NoError(t, err)

	rep, err := Check(ctx, f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(KindSchema))

	rep, err = Check(ctx, f.idx.BunDB, f.chunks, Options{SchemaFix: true})
	require.NoError(t, err)
	assert.True(t, rep.Clean())

	rep, err = Check(ctx, f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Empty(t, rep.Issues)
}

func TestCheck_UnknownStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.idx.SetAttr(ctx, storage.AttrStatus, storage.IntValue(7)))

	rep, err := Check(ctx, f.idx.BunDB, f.chunks, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(KindStatus))
}

func TestCheck_KeepsOnlyCopyInOtherEncoding(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	c := f.store(t, "a", "alpha")
	other := chunk.Filename(c.Hash, c.Size, "zstd")
	require.NoError(t, os.Rename(f.chunks.Path(c), filepath.Join(f.chunks.Dir(), other)))

	rep, err := Check(ctx, f.idx.BunDB, f.chunks, Options{RemoveBad: true})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Count(KindUnknownChunk))
	assert.Equal(t, 1, rep.Count(KindMissingChunk))
	assert.False(t, rep.Clean())
	assert.FileExists(t, filepath.Join(f.chunks.Dir(), other))
}
