package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"chirri/internal/backend"
	"chirri/internal/chunk"
	"chirri/internal/common"
	"chirri/internal/compress"
	"chirri/internal/envelope"
	"chirri/internal/snapshot"
	"chirri/internal/storage"
	"chirri/internal/util"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	root   string
	idx    *storage.Index
	chunks *chunk.Store
	snaps  *snapshot.Engine
	be     *backend.Memory
	syncer *Syncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	idx, err := storage.Create(storage.IndexPath(root))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	chunks, err := chunk.New(idx.BunDB, filepath.Join(root, common.ChunksDirName), chunk.Options{})
	require.NoError(t, err)
	now := func() time.Time { return fixedTime }
	snaps := snapshot.NewEngine(idx.BunDB, chunks, root, snapshot.Options{Now: now})
	be := backend.NewMemory()
	s := New(idx.BunDB, chunks, snaps, be, Options{Now: now, RetryDelay: time.Millisecond})
	return &fixture{root: root, idx: idx, chunks: chunks, snaps: snaps, be: be, syncer: s}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func (f *fixture) snapshot(t *testing.T) int64 {
	t.Helper()
	ctx := context.Background()
	snap, err := f.snaps.New(ctx, nil)
	require.NoError(t, err)
	_, err = f.snaps.Run(ctx, snap.Snapshot)
	require.NoError(t, err)
	return snap.Snapshot
}

func (f *fixture) chunk(t *testing.T, content string) *storage.ChunkModel {
	t.Helper()
	c, err := f.idx.GetChunk(context.Background(), util.HashBytes([]byte(content)))
	require.NoError(t, err)
	return c
}

func remoteChunk(c *storage.ChunkModel) string {
	return backend.ChunkName(chunk.Filename(c.Hash, c.Size, c.Compression))
}

func flaky(prefix string, failures int) backend.FailFunc {
	return func(op, name string, attempt int) error {
		if op == "upload" && strings.HasPrefix(name, prefix) && attempt <= failures {
			return backend.Transient(op, name, errors.New("connection reset"))
		}
		return nil
	}
}

func TestRun_PublishesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.idx.SetAttr(ctx, storage.AttrCompression, storage.StrValue(compress.Zstd)))
	big := strings.Repeat("compressible ", 500)
	f.write(t, "a", big)
	f.write(t, "b", big)
	f.write(t, "c", "x")
	id := f.snapshot(t)
	cb, err := f.idx.SaveConfigBackup(ctx)
	require.NoError(t, err)

	rep, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.SnapshotsUploaded)
	assert.Equal(t, 2, rep.ChunksUploaded)
	assert.Equal(t, 1, rep.ChunksCompressed, "a one byte chunk does not shrink")
	assert.Equal(t, 1, rep.ConfigsUploaded)
	assert.Empty(t, rep.Abandoned)
	assert.Equal(t, 1, f.be.Completed())

	for _, content := range []string{big, "x"} {
		c := f.chunk(t, content)
		assert.Equal(t, storage.ChunkUploaded, c.Status)
		assert.False(t, f.chunks.HasLocal(c))
		_, ok := f.be.Object(remoteChunk(c))
		assert.True(t, ok, remoteChunk(c))
	}
	assert.Equal(t, compress.Zstd, f.chunk(t, big).Compression)
	assert.Equal(t, compress.None, f.chunk(t, "x").Compression)

	snap, err := f.snaps.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.SnapshotSigned, snap.Status)
	assert.Equal(t, fixedTime.Unix(), snap.SignedTstamp)

	blob, ok := f.be.Object(backend.SnapshotName(id, snap.Compression))
	require.True(t, ok)
	blob, err = compress.Decompress(snap.Compression, blob)
	require.NoError(t, err)
	payload, err := envelope.Unprotect(blob)
	require.NoError(t, err)
	desc, err := snapshot.Parse(payload)
	require.NoError(t, err)
	assert.Equal(t, id, desc.Details.Snapshot)
	assert.Equal(t, fixedTime.Unix(), desc.Details.SignedTstamp)
	assert.Len(t, desc.Refs, 3)

	blob, ok = f.be.Object(backend.ConfigName(cb.ID))
	require.True(t, ok)
	payload, err = envelope.Unprotect(blob)
	require.NoError(t, err)
	assert.Equal(t, cb.Config, string(payload))
	saved, err := f.idx.GetConfigBackup(ctx, cb.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ConfigUploaded, saved.Status)

	// a second run has nothing to do
	uploads := len(f.be.Names())
	rep, err = f.syncer.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.SnapshotsUploaded+rep.ChunksUploaded+rep.ConfigsUploaded)
	assert.Len(t, f.be.Names(), uploads)
}

func TestRun_TransientUploadFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "file", "payload")
	f.snapshot(t)
	f.be.Fail = flaky(backend.ChunksPrefix, 3)
	retries := testutil.ToFloat64(uploadRetries)

	rep, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Abandoned)

	c := f.chunk(t, "payload")
	assert.Equal(t, storage.ChunkUploaded, c.Status)
	assert.Equal(t, 1, f.be.Uploads(remoteChunk(c)), "stored exactly once")
	assert.Equal(t, 4, f.be.Attempts("upload", remoteChunk(c)))
	assert.Equal(t, 3.0, testutil.ToFloat64(uploadRetries)-retries)

	var chunkObjects int
	for _, name := range f.be.Names() {
		if strings.HasPrefix(name, backend.ChunksPrefix) {
			chunkObjects++
		}
	}
	assert.Equal(t, 1, chunkObjects)
}

func TestRun_AbandonsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "file", "stubborn")
	f.snapshot(t)
	f.be.Fail = flaky(backend.ChunksPrefix, 1000)

	rep, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	c := f.chunk(t, "stubborn")
	assert.Equal(t, []string{c.Hash}, rep.Abandoned)
	assert.Equal(t, DefaultMaxUploadAttempts, f.be.Attempts("upload", remoteChunk(c)))
	assert.Equal(t, storage.ChunkPending, c.Status)
	assert.True(t, f.chunks.HasLocal(c), "an abandoned chunk stays local")
	assert.Equal(t, 1, f.be.Completed(), "the run still completes")

	f.be.Fail = nil
	rep, err = f.syncer.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Abandoned)
	assert.Equal(t, storage.ChunkUploaded, f.chunk(t, "stubborn").Status)
}

func TestRun_PermanentErrorAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "file", "denied")
	f.snapshot(t)
	f.be.Fail = func(op, name string, attempt int) error {
		if strings.HasPrefix(name, backend.ChunksPrefix) {
			return backend.Permanent(op, name, errors.New("access denied"))
		}
		return nil
	}

	_, err := f.syncer.Run(ctx)
	assert.ErrorIs(t, err, common.ErrPermanentBackend)
	assert.Equal(t, 1, f.be.Attempts("upload", remoteChunk(f.chunk(t, "denied"))))
	assert.Zero(t, f.be.Completed())
}

func TestRun_DeletedSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "shared", "shared")
	f.write(t, "only-first", "first")
	first := f.snapshot(t)
	_, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	firstChunk := f.chunk(t, "first")

	require.NoError(t, os.Remove(filepath.Join(f.root, "only-first")))
	f.write(t, "unsynced", "never uploaded")
	second := f.snapshot(t)
	unsynced := f.chunk(t, "never uploaded")
	require.True(t, f.chunks.HasLocal(unsynced))

	require.NoError(t, f.snaps.Delete(ctx, first))
	require.NoError(t, f.snaps.Delete(ctx, second))
	rep, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.SnapshotsDestroyed)
	assert.Equal(t, 3, rep.ChunksDropped)

	_, ok := f.be.Object(backend.SnapshotName(first, ""))
	assert.False(t, ok, "signed snapshot removed remotely")
	_, ok = f.be.Object(remoteChunk(firstChunk))
	assert.False(t, ok, "unreferenced chunk removed remotely")
	assert.False(t, f.chunks.HasLocal(unsynced), "unreferenced local chunk removed")
	assert.Zero(t, f.be.Uploads(remoteChunk(unsynced)))

	chunks, err := f.idx.ListChunks(ctx)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	snaps, err := f.snaps.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestRun_ConfigBackups(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	uploaded, err := f.idx.SaveConfigBackup(ctx)
	require.NoError(t, err)
	_, err = f.syncer.Run(ctx)
	require.NoError(t, err)

	local, err := f.idx.SaveConfigBackup(ctx)
	require.NoError(t, err)
	require.NoError(t, f.idx.SetConfigBackupDeleted(ctx, uploaded.ID, true))
	require.NoError(t, f.idx.SetConfigBackupDeleted(ctx, local.ID, true))

	rep, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.ConfigsDestroyed)
	assert.Zero(t, f.be.Uploads(backend.ConfigName(local.ID)))
	_, ok := f.be.Object(backend.ConfigName(uploaded.ID))
	assert.False(t, ok)
	cbs, err := f.idx.ListConfigBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, cbs)
}

func TestRun_SweepsChunkDirectory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "file", "swept")
	f.snapshot(t)
	_, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	c := f.chunk(t, "swept")

	dir := f.chunks.Dir()
	unknown := chunk.Filename(util.HashBytes([]byte("stranger")), 8, compress.None)
	for _, name := range []string{".dead.tmp", "junk", unknown, chunk.Filename(c.Hash, c.Size, c.Compression)} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("?"), 0600))
	}

	rep, err := f.syncer.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Swept)

	var left []string
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		left = append(left, e.Name())
	}
	assert.ElementsMatch(t, []string{"junk", unknown}, left)
}

func TestRun_AfterRolledBackCompression(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.idx.SetAttr(ctx, storage.AttrCompression, storage.StrValue(compress.Zstd)))
	big := strings.Repeat("compressible ", 4096)
	f.write(t, "a", big)
	f.snapshot(t)
	c := f.chunk(t, big)

	// the process dies after compressing, before the commit
	errCrash := errors.New("crash")
	err := f.idx.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		work := *c
		if _, err := f.chunks.Compress(ctx, tx, &work, compress.Zstd); err != nil {
			return err
		}
		return errCrash
	})
	require.ErrorIs(t, err, errCrash)
	assert.FileExists(t, f.chunks.Path(c))

	for i := 0; i < 2; i++ {
		rep, err := f.syncer.Run(ctx)
		require.NoError(t, err, "run %d", i+1)
		assert.Empty(t, rep.Abandoned)
	}
	c = f.chunk(t, big)
	assert.Equal(t, storage.ChunkUploaded, c.Status)
	assert.Equal(t, compress.Zstd, c.Compression)
	_, ok := f.be.Object(remoteChunk(c))
	assert.True(t, ok)
	entries, err := os.ReadDir(f.chunks.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_SweepKeepsOnlyCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, "a", "only copy")
	f.snapshot(t)
	c := f.chunk(t, "only copy")
	other := filepath.Join(f.chunks.Dir(), chunk.Filename(c.Hash, c.Size, compress.Zstd))
	require.NoError(t, os.Rename(f.chunks.Path(c), other))

	rep := &Report{}
	require.NoError(t, f.syncer.sweep(ctx, rep))
	assert.Zero(t, rep.Swept)
	assert.FileExists(t, other)

	_, err := f.syncer.Run(ctx)
	require.Error(t, err, "the chunk file the index expects is missing")
	assert.FileExists(t, other)
}
