// Package snapshot implements the snapshot pipeline: discovery of a backup
// root into file refs, pruning, hashing into the chunk store, and the
// description format used to publish a finished snapshot.
//
// A snapshot moves through the states
//
//	0 discover -> 1 prune -> 2 hash -> 3 finalize -> 4 ready -> 5 signed
//
// and every state's work is committed together with the advance to the
// next state, so an interrupted run resumes at the first unfinished pass.
// State -1 marks a snapshot recreated from a remote description.
package snapshot

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"chirri/internal/chunk"
	"chirri/internal/common"
	"chirri/internal/storage"
)

// Options configures an Engine.
type Options struct {
	Logger logrus.FieldLogger
	// Now is the clock used for timestamps.
	Now func() time.Time
}

// Engine runs snapshots of one backup root.
type Engine struct {
	db     *storage.BunDB
	chunks *chunk.Store
	root   string
	log    logrus.FieldLogger
	now    func() time.Time
}

// NewEngine returns an engine for the backup root.
func NewEngine(db *storage.BunDB, chunks *chunk.Store, root string, opts Options) *Engine {
	e := &Engine{
		db:     db,
		chunks: chunks,
		root:   filepath.Clean(root),
		log:    opts.Logger,
		now:    opts.Now,
	}
	if e.log == nil {
		e.log = logrus.StandardLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Root returns the backup root.
func (e *Engine) Root() string {
	return e.root
}

func (e *Engine) tstamp() int64 {
	return e.now().Unix()
}

// Get returns a snapshot row.
func (e *Engine) Get(ctx context.Context, id int64) (*storage.SnapshotModel, error) {
	return e.db.GetSnapshot(ctx, id)
}

// List returns every snapshot.
func (e *Engine) List(ctx context.Context) ([]storage.SnapshotModel, error) {
	return e.db.ListSnapshots(ctx)
}

// New creates a snapshot in the discover state. With a base snapshot, all
// of its refs are copied with status NULL and take their own chunk
// references, so that discovery only rehashes what changed.
func (e *Engine) New(ctx context.Context, base *int64) (*storage.SnapshotModel, error) {
	var snap *storage.SnapshotModel
	err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if base != nil {
			b, err := e.db.GetSnapshotWith(tx, ctx, *base)
			if err != nil {
				return fmt.Errorf("base snapshot: %w", err)
			}
			if b.Status < storage.SnapshotReady {
				return fmt.Errorf("%w: base snapshot %d is not finished (status %d)",
					common.ErrInvalidState, b.Snapshot, b.Status)
			}
		}
		id, err := e.db.NextIDWith(tx, ctx, storage.AttrLastSnapshotID)
		if err != nil {
			return err
		}
		snap = &storage.SnapshotModel{Snapshot: id, Status: storage.SnapshotDiscover}
		if err := e.db.InsertSnapshotWith(tx, ctx, snap); err != nil {
			return fmt.Errorf("failed to insert snapshot %d: %w", id, err)
		}
		if base != nil {
			e.log.Infof("[Snapshot] %d: copying refs from base snapshot %d", id, *base)
			return e.db.CloneFileRefsWith(tx, ctx, *base, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("[Snapshot] created snapshot %d", snap.Snapshot)
	return snap, nil
}

// NewPlaceholderWith registers a snapshot known only from a remote
// description, in the rebuilding state.
func (e *Engine) NewPlaceholderWith(idb bun.IDB, ctx context.Context, id int64, compression string) (*storage.SnapshotModel, error) {
	if _, err := e.db.GetSnapshotWith(idb, ctx, id); err == nil {
		return nil, fmt.Errorf("%w: snapshot %d", common.ErrExists, id)
	}
	snap := &storage.SnapshotModel{
		Snapshot:    id,
		Status:      storage.SnapshotRebuilding,
		Compression: compression,
	}
	if err := e.db.InsertSnapshotWith(idb, ctx, snap); err != nil {
		return nil, err
	}
	if err := e.db.RaiseIDWith(idb, ctx, storage.AttrLastSnapshotID, id); err != nil {
		return nil, err
	}
	return snap, nil
}

// Run advances a snapshot through the local pipeline until it is ready.
// Each pass commits together with its state change.
func (e *Engine) Run(ctx context.Context, id int64) (*storage.SnapshotModel, error) {
	snap, err := e.db.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	if snap.Status < storage.SnapshotDiscover || snap.Status > storage.SnapshotSigned {
		return nil, fmt.Errorf("%w: snapshot %d has status %d", common.ErrInvalidState, id, snap.Status)
	}
	if snap.Deleted {
		return nil, fmt.Errorf("%w: snapshot %d is deleted", common.ErrInvalidState, id)
	}

	for snap.Status < storage.SnapshotReady {
		if err := ctx.Err(); err != nil {
			return snap, err
		}
		var pass func(ctx context.Context, tx bun.Tx, snap *storage.SnapshotModel) error
		switch snap.Status {
		case storage.SnapshotDiscover:
			e.log.Infof("[Snapshot] %d: discovering files (pass 0)", id)
			pass = e.discoverPass
		case storage.SnapshotPrune:
			e.log.Infof("[Snapshot] %d: removing lost and excluded files (pass 1)", id)
			pass = e.prunePass
		case storage.SnapshotHash:
			e.log.Infof("[Snapshot] %d: hashing files (pass 2)", id)
			pass = e.hashPass
		case storage.SnapshotFinalize:
			pass = e.finalizePass
		}
		next := *snap
		err := e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			if err := pass(ctx, tx, &next); err != nil {
				return err
			}
			next.Status++
			return e.db.UpdateSnapshotWith(tx, ctx, &next, "status", "started_tstamp", "finished_tstamp")
		})
		if err != nil {
			return snap, fmt.Errorf("snapshot %d pass %d: %w", id, snap.Status, err)
		}
		snap = &next
	}

	switch snap.Status {
	case storage.SnapshotReady:
		e.log.Infof("[Snapshot] %d: completed, scheduled for upload", id)
	case storage.SnapshotSigned:
		e.log.Infof("[Snapshot] %d: already finished and uploaded", id)
	}
	return snap, nil
}

func (e *Engine) finalizePass(ctx context.Context, tx bun.Tx, snap *storage.SnapshotModel) error {
	snap.FinishedTstamp = e.tstamp()
	return nil
}

// Delete marks a snapshot deleted. The syncer destroys it later.
func (e *Engine) Delete(ctx context.Context, id int64) error {
	return e.setDeleted(ctx, id, true)
}

// Undelete clears the deleted mark of a snapshot not yet destroyed.
func (e *Engine) Undelete(ctx context.Context, id int64) error {
	return e.setDeleted(ctx, id, false)
}

func (e *Engine) setDeleted(ctx context.Context, id int64, deleted bool) error {
	snap, err := e.db.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	snap.Deleted = deleted
	return e.db.UpdateSnapshotWith(e.db.DB, ctx, snap, "deleted")
}

// Destroy removes a deleted snapshot, its refs and their chunk references
// in one transaction.
func (e *Engine) Destroy(ctx context.Context, id int64) error {
	return e.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return e.DestroyWith(tx, ctx, id)
	})
}

// DestroyWith is Destroy inside the caller's transaction.
func (e *Engine) DestroyWith(idb bun.IDB, ctx context.Context, id int64) error {
	snap, err := e.db.GetSnapshotWith(idb, ctx, id)
	if err != nil {
		return err
	}
	if !snap.Deleted {
		return fmt.Errorf("%w: snapshot %d is not deleted", common.ErrInvalidState, id)
	}
	if err := e.db.ReleaseFileRefsWith(idb, ctx, id); err != nil {
		return fmt.Errorf("failed to release refs of snapshot %d: %w", id, err)
	}
	if err := e.db.DeleteSnapshotRowWith(idb, ctx, id); err != nil {
		return err
	}
	e.log.Infof("[Snapshot] destroyed snapshot %d", id)
	return nil
}
