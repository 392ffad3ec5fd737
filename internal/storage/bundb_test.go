package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"chirri/internal/common"
)

func testHash(c string) string {
	return strings.Repeat(c, 128)
}

func strPtr(s string) *string { return &s }

func insertChunk(t *testing.T, idx *Index, hash string, status int, refcount int64) {
	t.Helper()
	err := idx.InsertChunkWith(idx.DB, context.Background(), &ChunkModel{
		Hash: hash, Size: 10, CSize: 10, Status: status, Refcount: refcount,
	})
	require.NoError(t, err)
}

func TestBunDB_Chunks(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.GetChunk(ctx, testHash("a"))
	assert.ErrorIs(t, err, common.ErrChunkNotFound)
	assert.ErrorIs(t, err, common.ErrNotFound)

	insertChunk(t, idx, testHash("a"), ChunkNew, 0)

	t.Run("refcount never goes negative", func(t *testing.T) {
		err := idx.RefcountAddWith(idx.DB, ctx, testHash("a"), -1)
		assert.ErrorIs(t, err, common.ErrNegativeRefcount)

		require.NoError(t, idx.RefcountAddWith(idx.DB, ctx, testHash("a"), 2))
		require.NoError(t, idx.RefcountAddWith(idx.DB, ctx, testHash("a"), -1))
		chunk, err := idx.GetChunk(ctx, testHash("a"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), chunk.Refcount)

		err = idx.RefcountAddWith(idx.DB, ctx, testHash("a"), -2)
		assert.ErrorIs(t, err, common.ErrNegativeRefcount)
		chunk, err = idx.GetChunk(ctx, testHash("a"))
		require.NoError(t, err)
		assert.Equal(t, int64(1), chunk.Refcount)
	})

	t.Run("refcount on missing chunk", func(t *testing.T) {
		err := idx.RefcountAddWith(idx.DB, ctx, testHash("z"), 1)
		assert.ErrorIs(t, err, common.ErrChunkNotFound)
	})

	t.Run("update columns", func(t *testing.T) {
		chunk, err := idx.GetChunk(ctx, testHash("a"))
		require.NoError(t, err)
		chunk.Compression = "zstd"
		chunk.CSize = 4
		require.NoError(t, idx.UpdateChunkWith(idx.DB, ctx, chunk, "compression", "csize"))

		got, err := idx.GetChunk(ctx, testHash("a"))
		require.NoError(t, err)
		assert.Equal(t, "zstd", got.Compression)
		assert.Equal(t, int64(4), got.CSize)
		assert.Equal(t, int64(1), got.Refcount)
	})
}

func TestBunDB_ListSyncWork(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	insertChunk(t, idx, testHash("a"), ChunkNew, 1)
	insertChunk(t, idx, testHash("b"), ChunkPending, 0)
	insertChunk(t, idx, testHash("c"), ChunkUploaded, 1)
	insertChunk(t, idx, testHash("d"), ChunkUploaded, 0)

	work, err := idx.ListSyncWork(ctx)
	require.NoError(t, err)
	var hashes []string
	for _, c := range work {
		hashes = append(hashes, c.Hash)
	}
	assert.Equal(t, []string{testHash("a"), testHash("b"), testHash("d")}, hashes)
}

func TestBunDB_FileRefs(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	insertChunk(t, idx, testHash("a"), ChunkNew, 0)
	insertChunk(t, idx, testHash("b"), ChunkNew, 0)

	require.NoError(t, idx.InsertSnapshotWith(idx.DB, ctx, &SnapshotModel{Snapshot: 1, Status: SnapshotReady}))
	refs := []FileRefModel{
		{Snapshot: 1, Path: "d", Hash: strPtr(HashDir)},
		{Snapshot: 1, Path: "d/a1", Hash: strPtr(testHash("a")), Size: 10},
		{Snapshot: 1, Path: "d/a2", Hash: strPtr(testHash("a")), Size: 10},
		{Snapshot: 1, Path: "l", Hash: strPtr(SymlinkPrefix + "d/a1")},
		{Snapshot: 1, Path: "b", Hash: strPtr(testHash("b")), Size: 10},
		{Snapshot: 1, Path: "new", Size: 3},
	}
	for i := range refs {
		require.NoError(t, idx.InsertFileRefWith(idx.DB, ctx, &refs[i]))
	}
	require.NoError(t, idx.RefcountAddWith(idx.DB, ctx, testHash("a"), 2))
	require.NoError(t, idx.RefcountAddWith(idx.DB, ctx, testHash("b"), 1))

	got, err := idx.ListFileRefs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, "b", got[0].Path)
	assert.True(t, got[1].IsDir())
	assert.True(t, got[4].IsSymlink())
	assert.Equal(t, "d/a1", got[4].SymlinkTarget())

	unhashed, err := idx.ListUnhashedWith(idx.DB, ctx, 1)
	require.NoError(t, err)
	require.Len(t, unhashed, 1)
	assert.Equal(t, "new", unhashed[0].Path)

	missing, err := idx.GetFileRefWith(idx.DB, ctx, 1, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	t.Run("clone takes references", func(t *testing.T) {
		require.NoError(t, idx.InsertSnapshotWith(idx.DB, ctx, &SnapshotModel{Snapshot: 2}))
		require.NoError(t, idx.CloneFileRefsWith(idx.DB, ctx, 1, 2))

		cloned, err := idx.ListFileRefs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, cloned, 6)
		for _, r := range cloned {
			assert.Nil(t, r.Status, r.Path)
		}

		a, err := idx.GetChunk(ctx, testHash("a"))
		require.NoError(t, err)
		assert.Equal(t, int64(4), a.Refcount)
		b, err := idx.GetChunk(ctx, testHash("b"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), b.Refcount)

		mismatches, err := idx.FindRefcountMismatches(ctx)
		require.NoError(t, err)
		assert.Empty(t, mismatches)
	})

	t.Run("release drops references", func(t *testing.T) {
		err := idx.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return idx.ReleaseFileRefsWith(tx, ctx, 1)
		})
		require.NoError(t, err)

		a, err := idx.GetChunk(ctx, testHash("a"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), a.Refcount)

		n, err := idx.CountFileRefs(ctx, 1)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestBunDB_RefcountMismatches(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	insertChunk(t, idx, testHash("a"), ChunkNew, 3)
	require.NoError(t, idx.InsertFileRefWith(idx.DB, ctx, &FileRefModel{Snapshot: 1, Path: "x", Hash: strPtr(testHash("a"))}))

	mismatches, err := idx.FindRefcountMismatches(ctx)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, int64(3), mismatches[0].Refcount)
	assert.Equal(t, int64(1), mismatches[0].Actual)

	require.NoError(t, idx.FixRefcount(ctx, testHash("a"), mismatches[0].Actual))
	mismatches, err = idx.FindRefcountMismatches(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestBunDB_Snapshots(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	_, err := idx.GetSnapshot(ctx, 1)
	assert.ErrorIs(t, err, common.ErrSnapshotNotFound)
	_, err = idx.LatestSnapshot(ctx, SnapshotSigned)
	assert.ErrorIs(t, err, common.ErrSnapshotNotFound)

	require.NoError(t, idx.InsertSnapshotWith(idx.DB, ctx, &SnapshotModel{Snapshot: 1, Status: SnapshotSigned}))
	require.NoError(t, idx.InsertSnapshotWith(idx.DB, ctx, &SnapshotModel{Snapshot: 4, Status: SnapshotReady}))
	require.NoError(t, idx.InsertSnapshotWith(idx.DB, ctx, &SnapshotModel{Snapshot: 7, Status: SnapshotSigned, Deleted: true}))

	latest, err := idx.LatestSnapshot(ctx, SnapshotSigned)
	require.NoError(t, err)
	assert.Equal(t, int64(1), latest.Snapshot)

	ready, err := idx.ListSnapshotsByStatus(ctx, SnapshotReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, int64(4), ready[0].Snapshot)

	snap := &SnapshotModel{Snapshot: 4, Compression: "lz4", FinishedTstamp: 99}
	require.NoError(t, idx.UpdateSnapshotWith(idx.DB, ctx, snap, "compression", "finished_tstamp"))
	got, err := idx.GetSnapshot(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, "lz4", got.Compression)
	assert.Equal(t, int64(99), got.FinishedTstamp)
	assert.Equal(t, SnapshotReady, got.Status)

	err = idx.UpdateSnapshotWith(idx.DB, ctx, &SnapshotModel{Snapshot: 5}, "status")
	assert.ErrorIs(t, err, common.ErrSnapshotNotFound)

	require.NoError(t, idx.DeleteSnapshotRowWith(idx.DB, ctx, 4))
	all, err := idx.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBunDB_Excludes(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	ex := &ExcludeModel{Pattern: "*.tmp", ExprType: ExcludeWildcard}
	require.NoError(t, idx.AddExclude(ctx, ex))
	assert.Equal(t, int64(1), ex.ID)

	ex2 := &ExcludeModel{Pattern: "cache", ExprType: ExcludeLiteral}
	require.NoError(t, idx.AddExclude(ctx, ex2))
	assert.Equal(t, int64(2), ex2.ID)

	ex.Disabled = true
	require.NoError(t, idx.UpdateExclude(ctx, ex))
	got, err := idx.GetExclude(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Disabled)

	require.NoError(t, idx.DeleteExclude(ctx, 1))
	_, err = idx.GetExclude(ctx, 1)
	assert.ErrorIs(t, err, common.ErrExcludeNotFound)
	assert.ErrorIs(t, idx.DeleteExclude(ctx, 1), common.ErrExcludeNotFound)

	list, err := idx.ListExcludes(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cache", list[0].Pattern)
}

func TestBunDB_ConfigBackups(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	require.NoError(t, idx.SetAttr(ctx, AttrStorageType, StrValue("local")))
	require.NoError(t, idx.NewAttr(ctx, "sm_local_storage_dir", true, StrValue("/srv/backup")))
	require.NoError(t, idx.AddExclude(ctx, &ExcludeModel{Pattern: "^tmp/", ExprType: ExcludeRegex, IgnoreCase: true}))

	cb, err := idx.SaveConfigBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cb.ID)
	assert.Equal(t, ConfigLocal, cb.Status)

	export, err := ParseConfigExport([]byte(cb.Config))
	require.NoError(t, err)
	assert.Equal(t, "local", export.Status[AttrStorageType].Value)
	assert.Equal(t, "/srv/backup", export.Status["sm_local_storage_dir"].Value)
	assert.NotContains(t, export.Status, AttrLastSnapshotID)
	require.Len(t, export.Excludes, 1)
	assert.Equal(t, 1, export.Excludes[0].IgnoreCase)

	t.Run("import into a fresh index", func(t *testing.T) {
		other := newTestIndex(t)
		err := other.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return other.ImportConfigWith(tx, ctx, export)
		})
		require.NoError(t, err)
		dir, err := other.GetStr(ctx, "sm_local_storage_dir")
		require.NoError(t, err)
		assert.Equal(t, "/srv/backup", dir)
		excludes, err := other.ListExcludes(ctx)
		require.NoError(t, err)
		require.Len(t, excludes, 1)
		assert.True(t, excludes[0].IgnoreCase)
	})

	require.NoError(t, idx.SetConfigBackupDeleted(ctx, cb.ID, true))
	got, err := idx.GetConfigBackup(ctx, cb.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	require.NoError(t, idx.DeleteConfigBackupWith(idx.DB, ctx, cb.ID))
	_, err = idx.GetConfigBackup(ctx, cb.ID)
	assert.ErrorIs(t, err, common.ErrConfigNotFound)
}

func TestBunDB_Counters(t *testing.T) {
	ctx := context.Background()
	idx := newTestIndex(t)

	insertChunk(t, idx, testHash("a"), ChunkNew, 1)
	insertChunk(t, idx, testHash("b"), ChunkUploaded, 0)
	require.NoError(t, idx.UpdateChunkWith(idx.DB, ctx, &ChunkModel{Hash: testHash("b"), Size: 10, CSize: 5, Compression: "zstd"}, "csize", "compression"))
	require.NoError(t, idx.InsertSnapshotWith(idx.DB, ctx, &SnapshotModel{Snapshot: 1}))
	require.NoError(t, idx.InsertFileRefWith(idx.DB, ctx, &FileRefModel{Snapshot: 1, Path: "x", Hash: strPtr(testHash("a"))}))

	c, err := idx.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Chunks)
	assert.Equal(t, int64(20), c.Bytes)
	assert.Equal(t, int64(15), c.CBytes)
	assert.Equal(t, int64(1), c.Unreferenced)
	assert.Equal(t, int64(1), c.PendingChunks)
	assert.Equal(t, int64(10), c.PendingBytes)
	assert.Equal(t, int64(1), c.Snapshots)
	assert.Equal(t, int64(1), c.FileRefs[1])

	require.Len(t, c.ByCompression, 2)
	assert.Equal(t, "", c.ByCompression[0].Compression)
	assert.Equal(t, "zstd", c.ByCompression[1].Compression)
	assert.InDelta(t, 0.5, c.ByCompression[1].Ratio(), 1e-9)
}
