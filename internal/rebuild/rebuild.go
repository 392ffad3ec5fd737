// Package rebuild recreates a lost index from the remote backup and
// restores the selected snapshot into the backup root.
//
// Progress is kept in the index status attribute so an interrupted
// rebuild resumes where it stopped:
//
//	0 list remote objects -> 1 load descriptions -> 2 select snapshot
//	-> 3 restore files -> 100 ready
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
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

// Rebuild phases stored in the status attribute.
const (
	PhaseListing   = 0
	PhaseLoading   = 1
	PhaseSelecting = 2
	PhaseRestoring = 3
)

// Options configures an Engine.
type Options struct {
	Logger logrus.FieldLogger
	// Snapshot, when set, is restored instead of the latest signed one.
	Snapshot *int64
	// RetryAttempts and RetryDelay apply to listing and downloads.
	RetryAttempts uint
	RetryDelay    time.Duration
}

// Engine drives the rebuild of one backup root.
type Engine struct {
	db    *storage.BunDB
	snaps *snapshot.Engine
	be    backend.Backend
	opts  Options
	log   logrus.FieldLogger
}

// New returns a rebuild engine.
func New(db *storage.BunDB, snaps *snapshot.Engine, be backend.Backend, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	return &Engine{db: db, snaps: snaps, be: be, opts: opts, log: opts.Logger}
}

// Prepare turns a freshly created index into a rebuilding one. The
// optional configuration export (attributes and exclude rules) is
// imported first.
func Prepare(ctx context.Context, db *storage.BunDB, export *storage.ConfigExport) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if export != nil {
			if err := db.ImportConfigWith(tx, ctx, export); err != nil {
				return fmt.Errorf("import configuration: %w", err)
			}
		}
		return db.SetAttrWith(tx, ctx, storage.AttrStatus, storage.IntValue(PhaseListing))
	})
}

// Run executes the remaining phases. On an index in normal operation it
// does nothing.
func (e *Engine) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		phase, err := e.db.GetInt(ctx, storage.AttrStatus)
		if err != nil {
			return err
		}
		switch phase {
		case PhaseListing:
			err = e.listRemote(ctx)
		case PhaseLoading:
			err = e.loadSnapshots(ctx)
		case PhaseSelecting:
			err = e.selectSnapshot(ctx)
		case PhaseRestoring:
			err = e.restore(ctx)
		case storage.StatusReady:
			e.log.Info("[Rebuild] index is ready")
			return nil
		default:
			return fmt.Errorf("%w: unknown index status %d", common.ErrInvalidState, phase)
		}
		if err != nil {
			return fmt.Errorf("rebuild phase %d: %w", phase, err)
		}
	}
}

func (e *Engine) retryOptions(ctx context.Context) []retry.Option {
	return util.BackendRetryOptions(ctx, e.opts.RetryAttempts, e.opts.RetryDelay, backend.IsTransient)
}

func (e *Engine) setPhaseWith(idb bun.IDB, ctx context.Context, phase int64) error {
	return e.db.SetAttrWith(idb, ctx, storage.AttrStatus, storage.IntValue(phase))
}

// listRemote registers every remote snapshot description as a placeholder
// and every remote chunk as an uploaded, unreferenced chunk.
func (e *Engine) listRemote(ctx context.Context) error {
	e.log.Info("[Rebuild] listing remote objects")
	objects, err := util.RetryWithResult(ctx, func() ([]backend.Object, error) {
		return e.be.List(ctx, "")
	}, e.retryOptions(ctx)...)
	if err != nil {
		return err
	}

	var snapshots, chunks int
	err = e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, obj := range objects {
			if id, algo, ok := backend.ParseSnapshotName(obj.Name); ok {
				if algo != compress.None && !compress.Supported(algo) {
					e.log.Errorf("[Rebuild] %s: unknown compression %q, ignoring it", obj.Name, algo)
					continue
				}
				if _, err := e.snaps.NewPlaceholderWith(tx, ctx, id, algo); err != nil {
					if errors.Is(err, common.ErrExists) {
						e.log.Warnf("[Rebuild] %s: snapshot %d already registered", obj.Name, id)
						continue
					}
					return err
				}
				snapshots++
				continue
			}
			switch {
			case strings.HasPrefix(obj.Name, backend.ChunksPrefix):
				ok, err := e.addChunk(ctx, tx, obj)
				if err != nil {
					return err
				}
				if ok {
					chunks++
				}
			case strings.HasPrefix(obj.Name, backend.ConfigsPrefix):
				e.log.Debugf("[Rebuild] %s: config backup, skipped", obj.Name)
			default:
				e.log.Errorf("[Rebuild] unknown remote file %q, ignoring it", obj.Name)
			}
		}
		return e.setPhaseWith(tx, ctx, PhaseLoading)
	})
	if err != nil {
		return err
	}
	e.log.Infof("[Rebuild] found %d snapshots and %d chunks", snapshots, chunks)
	return nil
}

func (e *Engine) addChunk(ctx context.Context, tx bun.Tx, obj backend.Object) (bool, error) {
	hash, size, algo, err := chunk.ParseFilename(strings.TrimPrefix(obj.Name, backend.ChunksPrefix))
	if err != nil {
		e.log.Errorf("[Rebuild] %v", err)
		return false, nil
	}
	if _, err := e.db.GetChunkWith(tx, ctx, hash); err == nil {
		e.log.Warnf("[Rebuild] %s: chunk %s already registered in another encoding", obj.Name, hash)
		return false, nil
	} else if !errors.Is(err, common.ErrChunkNotFound) {
		return false, err
	}
	return true, e.db.InsertChunkWith(tx, ctx, &storage.ChunkModel{
		Hash:        hash,
		Size:        size,
		CSize:       obj.Size,
		Status:      storage.ChunkUploaded,
		Refcount:    0,
		Compression: algo,
	})
}

// loadSnapshots downloads and loads every placeholder. Each snapshot is
// committed on its own, so a resumed run skips the ones already loaded.
func (e *Engine) loadSnapshots(ctx context.Context) error {
	pending, err := e.db.ListSnapshotsByStatus(ctx, storage.SnapshotRebuilding)
	if err != nil {
		return err
	}
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap := &pending[i]
		name := backend.SnapshotName(snap.Snapshot, snap.Compression)
		e.log.Infof("[Rebuild] loading snapshot %d from %s", snap.Snapshot, name)
		blob, err := util.RetryWithResult(ctx, func() ([]byte, error) {
			return e.be.DownloadData(ctx, name)
		}, e.retryOptions(ctx)...)
		if err != nil {
			return err
		}
		desc, err := decodeDescription(blob, snap.Compression)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if err := e.snaps.Load(ctx, snap.Snapshot, desc); err != nil {
			return fmt.Errorf("snapshot %d: %w", snap.Snapshot, err)
		}
	}
	return e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return e.setPhaseWith(tx, ctx, PhaseSelecting)
	})
}

// decodeDescription reverses the syncer's encoding: decompress, check the
// envelope, parse.
func decodeDescription(blob []byte, algo string) (*snapshot.Description, error) {
	data, err := compress.Decompress(algo, blob)
	if err != nil {
		return nil, err
	}
	payload, err := envelope.Unprotect(data)
	if err != nil {
		return nil, err
	}
	return snapshot.Parse(payload)
}

// selectSnapshot records the snapshot to restore. An index that ended up
// without any snapshot cannot be recovered from chunks alone.
func (e *Engine) selectSnapshot(ctx context.Context) error {
	var id int64
	if e.opts.Snapshot != nil {
		snap, err := e.db.GetSnapshot(ctx, *e.opts.Snapshot)
		if err != nil {
			return err
		}
		if snap.Status < storage.SnapshotReady {
			return fmt.Errorf("%w: snapshot %d cannot be restored (status %d)",
				common.ErrInvalidState, snap.Snapshot, snap.Status)
		}
		id = snap.Snapshot
	} else {
		snap, err := e.db.LatestSnapshot(ctx, storage.SnapshotSigned)
		if errors.Is(err, common.ErrSnapshotNotFound) {
			return fmt.Errorf("%w: the remote backup holds no snapshot, recovering from chunks alone is not implemented",
				common.ErrNotSupported)
		}
		if err != nil {
			return err
		}
		id = snap.Snapshot
	}
	e.log.Infof("[Rebuild] selected snapshot %d", id)
	return e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := e.db.SetAttrWith(tx, ctx, storage.AttrRebuildSnapshot, storage.IntValue(id)); err != nil {
			return err
		}
		return e.setPhaseWith(tx, ctx, PhaseRestoring)
	})
}

// restore writes the selected snapshot into the backup root, replacing
// what is there.
func (e *Engine) restore(ctx context.Context) error {
	id, err := e.db.GetInt(ctx, storage.AttrRebuildSnapshot)
	if err != nil {
		return err
	}
	if err := e.snaps.Restore(ctx, id, e.be, e.snaps.Root(), snapshot.RestoreOptions{Overwrite: true}); err != nil {
		return err
	}
	e.log.Infof("[Rebuild] snapshot %d restored into %s", id, e.snaps.Root())
	return e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return e.setPhaseWith(tx, ctx, storage.StatusReady)
	})
}
