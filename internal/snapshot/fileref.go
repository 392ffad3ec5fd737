package snapshot

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"chirri/internal/storage"
	"chirri/internal/util"
)

type refKind int

const (
	kindRegular refKind = iota
	kindDir
	kindSymlink
)

func (k refKind) String() string {
	switch k {
	case kindDir:
		return "dir"
	case kindSymlink:
		return "symlink"
	default:
		return "regfile"
	}
}

func kindOf(r *storage.FileRefModel) refKind {
	switch {
	case r.IsDir():
		return kindDir
	case r.IsSymlink():
		return kindSymlink
	default:
		return kindRegular
	}
}

// validateRef checks the hash column and status of a ref about to be saved.
func validateRef(r *storage.FileRefModel) error {
	if h := r.ChunkHash(); h != "" && !util.IsValidHash(h) {
		return fmt.Errorf("%s: unknown file ref type %q", r.Path, h)
	}
	if r.Status != nil {
		s := *r.Status
		if s < storage.RefFailed || s > storage.RefHashed {
			return fmt.Errorf("%s: invalid status %d", r.Path, s)
		}
		if s == storage.RefDiscovered && kindOf(r) != kindRegular {
			return fmt.Errorf("%s: invalid status %d for %s", r.Path, s, kindOf(r))
		}
	}
	return nil
}

// saveRef merges an observed ref into the snapshot and keeps chunk
// refcounts in step with the hash column.
//
// A new path is inserted. For an existing path, a type change, a symlink
// target change, a different declared chunk hash or a size/mtime change
// "touches" the ref: its hash is replaced by the incoming one (NULL for a
// regular file, forcing a rehash). Permission and owner changes update the
// row without touching it; the hash is kept and the status goes back to
// in.Status like any other change. An unchanged ref keeps its status.
func (e *Engine) saveRef(ctx context.Context, idb bun.IDB, in *storage.FileRefModel) error {
	if err := validateRef(in); err != nil {
		return err
	}
	old, err := e.db.GetFileRefWith(idb, ctx, in.Snapshot, in.Path)
	if err != nil {
		return err
	}

	if old == nil {
		e.log.Debugf("[Snapshot] [NEW] %s", in.Path)
		if err := e.db.InsertFileRefWith(idb, ctx, in); err != nil {
			return fmt.Errorf("failed to insert ref %s: %w", in.Path, err)
		}
		if h := in.ChunkHash(); h != "" {
			return e.chunks.RefcountInc(ctx, idb, h)
		}
		return nil
	}

	touched := kindOf(in) != kindOf(old)
	if kindOf(in) == kindSymlink && in.HashString() != old.HashString() {
		touched = true
	}
	if kindOf(in) == kindRegular && in.Hash != nil && in.HashString() != old.HashString() {
		touched = true
	}
	changed := touched
	if in.Perm != old.Perm || in.UID != old.UID || in.GID != old.GID {
		changed = true
	}
	if in.Size != old.Size || in.Mtime != old.Mtime {
		changed = true
		touched = true
	}
	if !changed {
		return nil
	}

	merged := *old
	merged.Size, merged.Perm, merged.UID, merged.GID, merged.Mtime = in.Size, in.Perm, in.UID, in.GID, in.Mtime
	merged.Status = in.Status
	if touched {
		merged.Hash = in.Hash
		if prev, next := old.ChunkHash(), merged.ChunkHash(); prev != next {
			if prev != "" {
				if err := e.chunks.RefcountDec(ctx, idb, prev); err != nil {
					return err
				}
			}
			if next != "" {
				if err := e.chunks.RefcountInc(ctx, idb, next); err != nil {
					return err
				}
			}
		}
	}
	e.log.Debugf("[Snapshot] [UPD] %s (touched=%v)", in.Path, touched)
	return e.db.UpdateFileRefWith(idb, ctx, &merged)
}

// dropRef deletes a ref and releases its chunk reference.
func (e *Engine) dropRef(ctx context.Context, idb bun.IDB, ref *storage.FileRefModel) error {
	if err := e.db.DeleteFileRefWith(idb, ctx, ref.Snapshot, ref.Path); err != nil {
		return err
	}
	if h := ref.ChunkHash(); h != "" {
		return e.chunks.RefcountDec(ctx, idb, h)
	}
	return nil
}

func intPtr(v int) *int {
	return &v
}
