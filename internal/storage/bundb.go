package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"chirri/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info Operations ---

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// --- Chunk Operations ---

// GetChunk retrieves a chunk by hash.
func (db *BunDB) GetChunk(ctx context.Context, hash string) (*ChunkModel, error) {
	return db.getChunkWith(db.DB, ctx, hash)
}

// GetChunkWith retrieves a chunk by hash using the given bun.IDB.
func (db *BunDB) GetChunkWith(idb bun.IDB, ctx context.Context, hash string) (*ChunkModel, error) {
	return db.getChunkWith(idb, ctx, hash)
}

func (db *BunDB) getChunkWith(idb bun.IDB, ctx context.Context, hash string) (*ChunkModel, error) {
	var chunk ChunkModel
	err := idb.NewSelect().
		Model(&chunk).
		Where("hash = ?", hash).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", common.ErrChunkNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return &chunk, nil
}

// InsertChunkWith inserts a new chunk row.
func (db *BunDB) InsertChunkWith(idb bun.IDB, ctx context.Context, chunk *ChunkModel) error {
	_, err := idb.NewInsert().Model(chunk).Exec(ctx)
	return err
}

// UpdateChunkWith writes the named columns of chunk.
func (db *BunDB) UpdateChunkWith(idb bun.IDB, ctx context.Context, chunk *ChunkModel, columns ...string) error {
	res, err := idb.NewUpdate().
		Model(chunk).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", common.ErrChunkNotFound, chunk.Hash)
	}
	return nil
}

// SetChunkStatus updates the status of one chunk.
func (db *BunDB) SetChunkStatus(ctx context.Context, hash string, status int) error {
	return db.SetChunkStatusWith(db.DB, ctx, hash, status)
}

// SetChunkStatusWith updates the status of one chunk using the given bun.IDB.
func (db *BunDB) SetChunkStatusWith(idb bun.IDB, ctx context.Context, hash string, status int) error {
	res, err := idb.NewUpdate().
		Model((*ChunkModel)(nil)).
		Set("status = ?", status).
		Where("hash = ?", hash).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", common.ErrChunkNotFound, hash)
	}
	return nil
}

// DeleteChunkWith removes a chunk row.
func (db *BunDB) DeleteChunkWith(idb bun.IDB, ctx context.Context, hash string) error {
	_, err := idb.NewDelete().
		Model((*ChunkModel)(nil)).
		Where("hash = ?", hash).
		Exec(ctx)
	return err
}

// RefcountAddWith adds delta to a chunk refcount. A decrement that would go
// below zero fails with ErrNegativeRefcount and changes nothing.
func (db *BunDB) RefcountAddWith(idb bun.IDB, ctx context.Context, hash string, delta int64) error {
	if delta == 0 {
		return nil
	}
	res, err := idb.NewUpdate().
		Model((*ChunkModel)(nil)).
		Set("refcount = refcount + ?", delta).
		Where("hash = ?", hash).
		Where("refcount + ? >= 0", delta).
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	chunk, err := db.getChunkWith(idb, ctx, hash)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: chunk %s refcount %d%+d", common.ErrNegativeRefcount, hash, chunk.Refcount, delta)
}

// ListChunks returns every chunk in insertion order.
func (db *BunDB) ListChunks(ctx context.Context) ([]ChunkModel, error) {
	var chunks []ChunkModel
	err := db.NewSelect().Model(&chunks).OrderExpr("rowid").Scan(ctx)
	return chunks, err
}

// ListSyncWork returns the chunks the syncer has to act on: everything not
// yet uploaded plus uploaded chunks that lost their last reference.
func (db *BunDB) ListSyncWork(ctx context.Context) ([]ChunkModel, error) {
	var chunks []ChunkModel
	err := db.NewSelect().
		Model(&chunks).
		Where("status IN (?)", bun.In([]int{ChunkNew, ChunkPending})).
		WhereOr("status = ? AND refcount = 0", ChunkUploaded).
		OrderExpr("rowid").
		Scan(ctx)
	return chunks, err
}

// RefcountMismatch is a chunk whose stored refcount differs from the number
// of file refs pointing at it.
type RefcountMismatch struct {
	Hash     string `bun:"hash"`
	Size     int64  `bun:"size"`
	Refcount int64  `bun:"refcount"`
	Actual   int64  `bun:"actual"`
}

// FindRefcountMismatches recounts references for every chunk.
func (db *BunDB) FindRefcountMismatches(ctx context.Context) ([]RefcountMismatch, error) {
	var out []RefcountMismatch
	err := db.NewRaw(`
		SELECT d.hash, d.size, d.refcount,
		       (SELECT COUNT(*) FROM file_ref r WHERE r.hash = d.hash) AS actual
		FROM file_data d
		WHERE d.refcount != (SELECT COUNT(*) FROM file_ref r WHERE r.hash = d.hash)
		ORDER BY d.rowid
	`).Scan(ctx, &out)
	return out, err
}

// FixRefcount sets a chunk refcount to the recounted value.
func (db *BunDB) FixRefcount(ctx context.Context, hash string, refcount int64) error {
	_, err := db.NewUpdate().
		Model((*ChunkModel)(nil)).
		Set("refcount = ?", refcount).
		Where("hash = ?", hash).
		Exec(ctx)
	return err
}

// --- FileRef Operations ---

// GetFileRefWith returns the ref for (snapshot, path), or nil when absent.
func (db *BunDB) GetFileRefWith(idb bun.IDB, ctx context.Context, snapshot int64, path string) (*FileRefModel, error) {
	var ref FileRefModel
	err := idb.NewSelect().
		Model(&ref).
		Where("snapshot = ?", snapshot).
		Where("path = ?", path).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// InsertFileRefWith inserts a ref row.
func (db *BunDB) InsertFileRefWith(idb bun.IDB, ctx context.Context, ref *FileRefModel) error {
	_, err := idb.NewInsert().Model(ref).Exec(ctx)
	return err
}

// UpdateFileRefWith rewrites every column of a ref row.
func (db *BunDB) UpdateFileRefWith(idb bun.IDB, ctx context.Context, ref *FileRefModel) error {
	_, err := idb.NewUpdate().Model(ref).WherePK().Exec(ctx)
	return err
}

// DeleteFileRefWith removes a ref row.
func (db *BunDB) DeleteFileRefWith(idb bun.IDB, ctx context.Context, snapshot int64, path string) error {
	_, err := idb.NewDelete().
		Model((*FileRefModel)(nil)).
		Where("snapshot = ?", snapshot).
		Where("path = ?", path).
		Exec(ctx)
	return err
}

// ListFileRefs returns the refs of a snapshot ordered by path.
func (db *BunDB) ListFileRefs(ctx context.Context, snapshot int64) ([]FileRefModel, error) {
	return db.ListFileRefsWith(db.DB, ctx, snapshot)
}

// ListFileRefsWith returns the refs of a snapshot using the given bun.IDB.
func (db *BunDB) ListFileRefsWith(idb bun.IDB, ctx context.Context, snapshot int64) ([]FileRefModel, error) {
	var refs []FileRefModel
	err := idb.NewSelect().
		Model(&refs).
		Where("snapshot = ?", snapshot).
		Order("path").
		Scan(ctx)
	return refs, err
}

// ListUnhashedWith returns refs without a hash (regular files to hash).
func (db *BunDB) ListUnhashedWith(idb bun.IDB, ctx context.Context, snapshot int64) ([]FileRefModel, error) {
	var refs []FileRefModel
	err := idb.NewSelect().
		Model(&refs).
		Where("snapshot = ?", snapshot).
		Where("hash IS NULL").
		Order("path").
		Scan(ctx)
	return refs, err
}

// CountFileRefs returns the number of refs in a snapshot.
func (db *BunDB) CountFileRefs(ctx context.Context, snapshot int64) (int, error) {
	return db.NewSelect().Model((*FileRefModel)(nil)).Where("snapshot = ?", snapshot).Count(ctx)
}

// CloneFileRefsWith copies every ref of from into to with status NULL and
// takes one reference per copied chunk hash.
func (db *BunDB) CloneFileRefsWith(idb bun.IDB, ctx context.Context, from, to int64) error {
	if _, err := idb.NewRaw(`
		INSERT INTO file_ref (snapshot, path, hash, size, perm, uid, gid, mtime, status)
		SELECT ?, path, hash, size, perm, uid, gid, mtime, NULL
		FROM file_ref WHERE snapshot = ?
	`, to, from).Exec(ctx); err != nil {
		return fmt.Errorf("failed to copy file refs: %w", err)
	}
	if _, err := idb.NewRaw(`
		UPDATE file_data
		SET refcount = refcount + (SELECT COUNT(*) FROM file_ref r WHERE r.snapshot = ? AND r.hash = file_data.hash)
		WHERE hash IN (SELECT hash FROM file_ref WHERE snapshot = ?)
	`, to, to).Exec(ctx); err != nil {
		return fmt.Errorf("failed to reference cloned chunks: %w", err)
	}
	return nil
}

// ReleaseFileRefsWith drops every ref of a snapshot, decrementing chunk
// refcounts first. Fails with ErrNegativeRefcount if the index is corrupt.
func (db *BunDB) ReleaseFileRefsWith(idb bun.IDB, ctx context.Context, snapshot int64) error {
	var counts []struct {
		Hash  string `bun:"hash"`
		Count int64  `bun:"n"`
	}
	err := idb.NewRaw(`
		SELECT hash, COUNT(*) AS n FROM file_ref
		WHERE snapshot = ? AND hash IS NOT NULL AND hash != ? AND hash NOT LIKE ?
		GROUP BY hash
	`, snapshot, HashDir, SymlinkPrefix+"%").Scan(ctx, &counts)
	if err != nil {
		return err
	}
	for _, c := range counts {
		if err := db.RefcountAddWith(idb, ctx, c.Hash, -c.Count); err != nil {
			return err
		}
	}
	_, err = idb.NewDelete().
		Model((*FileRefModel)(nil)).
		Where("snapshot = ?", snapshot).
		Exec(ctx)
	return err
}

// --- Snapshot Operations ---

// GetSnapshot retrieves a snapshot by id.
func (db *BunDB) GetSnapshot(ctx context.Context, id int64) (*SnapshotModel, error) {
	return db.GetSnapshotWith(db.DB, ctx, id)
}

// GetSnapshotWith retrieves a snapshot by id using the given bun.IDB.
func (db *BunDB) GetSnapshotWith(idb bun.IDB, ctx context.Context, id int64) (*SnapshotModel, error) {
	var snapshot SnapshotModel
	err := idb.NewSelect().
		Model(&snapshot).
		Where("snapshot = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", common.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// InsertSnapshotWith inserts a snapshot row.
func (db *BunDB) InsertSnapshotWith(idb bun.IDB, ctx context.Context, snapshot *SnapshotModel) error {
	_, err := idb.NewInsert().Model(snapshot).Exec(ctx)
	return err
}

// UpdateSnapshotWith writes the named columns of snapshot.
func (db *BunDB) UpdateSnapshotWith(idb bun.IDB, ctx context.Context, snapshot *SnapshotModel, columns ...string) error {
	res, err := idb.NewUpdate().
		Model(snapshot).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", common.ErrSnapshotNotFound, snapshot.Snapshot)
	}
	return nil
}

// DeleteSnapshotRowWith removes the snapshot row only.
func (db *BunDB) DeleteSnapshotRowWith(idb bun.IDB, ctx context.Context, id int64) error {
	_, err := idb.NewDelete().
		Model((*SnapshotModel)(nil)).
		Where("snapshot = ?", id).
		Exec(ctx)
	return err
}

// ListSnapshots returns every snapshot ordered by id.
func (db *BunDB) ListSnapshots(ctx context.Context) ([]SnapshotModel, error) {
	var snapshots []SnapshotModel
	err := db.NewSelect().Model(&snapshots).Order("snapshot").Scan(ctx)
	return snapshots, err
}

// ListSnapshotsByStatus returns snapshots in the given status ordered by id.
func (db *BunDB) ListSnapshotsByStatus(ctx context.Context, status int) ([]SnapshotModel, error) {
	var snapshots []SnapshotModel
	err := db.NewSelect().
		Model(&snapshots).
		Where("status = ?", status).
		Order("snapshot").
		Scan(ctx)
	return snapshots, err
}

// LatestSnapshot returns the newest non-deleted snapshot with status >= minStatus.
func (db *BunDB) LatestSnapshot(ctx context.Context, minStatus int) (*SnapshotModel, error) {
	var snapshot SnapshotModel
	err := db.NewSelect().
		Model(&snapshot).
		Where("status >= ?", minStatus).
		Where("deleted = 0").
		Order("snapshot DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// --- Exclude Operations ---

// GetExclude retrieves an exclude rule by id.
func (db *BunDB) GetExclude(ctx context.Context, id int64) (*ExcludeModel, error) {
	var ex ExcludeModel
	err := db.NewSelect().Model(&ex).Where("exclude_id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", common.ErrExcludeNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

// ListExcludes returns every exclude rule ordered by id.
func (db *BunDB) ListExcludes(ctx context.Context) ([]ExcludeModel, error) {
	return db.ListExcludesWith(db.DB, ctx)
}

// ListExcludesWith returns every exclude rule using the given bun.IDB.
func (db *BunDB) ListExcludesWith(idb bun.IDB, ctx context.Context) ([]ExcludeModel, error) {
	var excludes []ExcludeModel
	err := idb.NewSelect().Model(&excludes).Order("exclude_id").Scan(ctx)
	return excludes, err
}

// AddExclude stores a new rule and assigns its id.
func (db *BunDB) AddExclude(ctx context.Context, ex *ExcludeModel) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return db.AddExcludeWith(tx, ctx, ex)
	})
}

// AddExcludeWith stores a new rule using the given bun.IDB.
func (db *BunDB) AddExcludeWith(idb bun.IDB, ctx context.Context, ex *ExcludeModel) error {
	if ex.ID == 0 {
		id, err := db.NextIDWith(idb, ctx, AttrLastExcludeID)
		if err != nil {
			return err
		}
		ex.ID = id
	} else if err := db.RaiseIDWith(idb, ctx, AttrLastExcludeID, ex.ID); err != nil {
		return err
	}
	_, err := idb.NewInsert().Model(ex).Exec(ctx)
	return err
}

// UpdateExclude rewrites a rule.
func (db *BunDB) UpdateExclude(ctx context.Context, ex *ExcludeModel) error {
	res, err := db.NewUpdate().Model(ex).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", common.ErrExcludeNotFound, ex.ID)
	}
	return nil
}

// DeleteExclude removes a rule.
func (db *BunDB) DeleteExclude(ctx context.Context, id int64) error {
	res, err := db.NewDelete().Model((*ExcludeModel)(nil)).Where("exclude_id = ?", id).Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", common.ErrExcludeNotFound, id)
	}
	return nil
}

// --- Config Backup Operations ---

// GetConfigBackup retrieves a config backup by id.
func (db *BunDB) GetConfigBackup(ctx context.Context, id int64) (*ConfigBackupModel, error) {
	var cb ConfigBackupModel
	err := db.NewSelect().Model(&cb).Where("config_id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", common.ErrConfigNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

// ListConfigBackups returns every config backup ordered by id.
func (db *BunDB) ListConfigBackups(ctx context.Context) ([]ConfigBackupModel, error) {
	var cbs []ConfigBackupModel
	err := db.NewSelect().Model(&cbs).Order("config_id").Scan(ctx)
	return cbs, err
}

// InsertConfigBackupWith stores a config backup and assigns its id.
func (db *BunDB) InsertConfigBackupWith(idb bun.IDB, ctx context.Context, cb *ConfigBackupModel) error {
	id, err := db.NextIDWith(idb, ctx, AttrLastConfigID)
	if err != nil {
		return err
	}
	cb.ID = id
	_, err = idb.NewInsert().Model(cb).Exec(ctx)
	return err
}

// UpdateConfigBackupWith writes the named columns of cb.
func (db *BunDB) UpdateConfigBackupWith(idb bun.IDB, ctx context.Context, cb *ConfigBackupModel, columns ...string) error {
	res, err := idb.NewUpdate().Model(cb).Column(columns...).WherePK().Exec(ctx)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", common.ErrConfigNotFound, cb.ID)
	}
	return nil
}

// SetConfigBackupDeleted marks or unmarks a config backup for deletion.
func (db *BunDB) SetConfigBackupDeleted(ctx context.Context, id int64, deleted bool) error {
	return db.UpdateConfigBackupWith(db.DB, ctx, &ConfigBackupModel{ID: id, Deleted: deleted}, "deleted")
}

// DeleteConfigBackupWith removes a config backup row.
func (db *BunDB) DeleteConfigBackupWith(idb bun.IDB, ctx context.Context, id int64) error {
	_, err := idb.NewDelete().Model((*ConfigBackupModel)(nil)).Where("config_id = ?", id).Exec(ctx)
	if err != nil {
		return err
	}
	log.Debugf("[BunDB] config backup %d destroyed", id)
	return nil
}
