package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/uptrace/bun"

	"chirri/internal/common"
	"chirri/internal/exclude"
	"chirri/internal/storage"
)

// observe builds the ref for one lstat result. Symlinks carry no
// metadata besides their target; only regular files have a size.
func observe(snapshot int64, rel, abs string, info fs.FileInfo) (*storage.FileRefModel, bool, error) {
	ref := &storage.FileRefModel{Snapshot: snapshot, Path: rel}
	mode := info.Mode()
	switch {
	case mode.IsDir():
		ref.Hash = strPtr(storage.HashDir)
		ref.Status = intPtr(storage.RefHashed)
	case mode&fs.ModeSymlink != 0:
		target, err := os.Readlink(abs)
		if err != nil {
			return nil, false, err
		}
		ref.Hash = strPtr(storage.SymlinkPrefix + target)
		ref.Status = intPtr(storage.RefHashed)
		return ref, true, nil
	case mode.IsRegular():
		ref.Size = info.Size()
		ref.Status = intPtr(storage.RefDiscovered)
	default:
		return nil, false, nil
	}
	ref.Mtime = info.ModTime().Unix()
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		ref.Perm = int64(st.Mode & 07777)
		ref.UID = int64(st.Uid)
		ref.GID = int64(st.Gid)
	} else {
		ref.Perm = int64(mode.Perm())
	}
	return ref, true, nil
}

func strPtr(s string) *string {
	return &s
}

// discoverPass walks the backup root without following symlinks and
// merges every entry into the snapshot.
func (e *Engine) discoverPass(ctx context.Context, tx bun.Tx, snap *storage.SnapshotModel) error {
	snap.StartedTstamp = e.tstamp()
	var seen int
	err := filepath.WalkDir(e.root, func(abs string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if abs == e.root {
			return walkErr
		}
		rel, err := filepath.Rel(e.root, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if common.IsIndexFile(rel) {
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if walkErr != nil {
			e.log.Warnf("[Snapshot] %s: %v", rel, walkErr)
			return nil
		}
		info, err := d.Info()
		if err != nil {
			e.log.Warnf("[Snapshot] %s: %v", rel, err)
			return nil
		}
		ref, ok, err := observe(snap.Snapshot, rel, abs, info)
		if err != nil {
			e.log.Warnf("[Snapshot] %s: %v", rel, err)
			return nil
		}
		if !ok {
			e.log.Warnf("[Snapshot] %s: unsupported file type %s, skipped", rel, info.Mode().Type())
			return nil
		}
		seen++
		return e.saveRef(ctx, tx, ref)
	})
	if err != nil {
		return err
	}
	e.log.Infof("[Snapshot] %d: %d entries discovered", snap.Snapshot, seen)
	return nil
}

// prunePass removes refs matching an enabled exclude rule and refs whose
// path no longer exists.
func (e *Engine) prunePass(ctx context.Context, tx bun.Tx, snap *storage.SnapshotModel) error {
	rules, err := e.db.ListExcludesWith(tx, ctx)
	if err != nil {
		return err
	}
	matcher, err := exclude.Compile(rules)
	if err != nil {
		return err
	}
	refs, err := e.db.ListFileRefsWith(tx, ctx, snap.Snapshot)
	if err != nil {
		return err
	}
	for i := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref := &refs[i]
		if id, ok := matcher.Match(ref.Path, ref.IsDir()); ok {
			e.log.Infof("[Snapshot] [EXC] %s (rule %d)", ref.Path, id)
		} else if _, err := os.Lstat(filepath.Join(e.root, filepath.FromSlash(ref.Path))); err == nil {
			continue
		} else if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
			e.log.Warnf("[Snapshot] [DEL] %s", ref.Path)
		} else {
			return fmt.Errorf("%s: %w", ref.Path, err)
		}
		if err := e.dropRef(ctx, tx, ref); err != nil {
			return err
		}
	}
	return nil
}

// hashPass stores every regular file that has no hash yet. A file that
// cannot be read is marked failed and the pass goes on.
func (e *Engine) hashPass(ctx context.Context, tx bun.Tx, snap *storage.SnapshotModel) error {
	refs, err := e.db.ListUnhashedWith(tx, ctx, snap.Snapshot)
	if err != nil {
		return err
	}
	var failed int
	for i := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		ref := &refs[i]
		abs := filepath.Join(e.root, filepath.FromSlash(ref.Path))
		e.log.Debugf("[Snapshot] hashing %s", ref.Path)
		c, err := e.chunks.Store(ctx, tx, abs, ref.Path)
		switch {
		case err == nil:
			if err := e.chunks.RefcountInc(ctx, tx, c.Hash); err != nil {
				return err
			}
			ref.Hash = strPtr(c.Hash)
			ref.Size = c.Size
			ref.Status = intPtr(storage.RefHashed)
		case isFileError(err, abs):
			e.log.Warnf("[Snapshot] %s: cannot snapshot file: %v", ref.Path, err)
			ref.Hash = nil
			ref.Status = intPtr(storage.RefFailed)
			failed++
		default:
			return fmt.Errorf("%s: %w", ref.Path, err)
		}
		if err := e.db.UpdateFileRefWith(tx, ctx, ref); err != nil {
			return err
		}
	}
	if failed > 0 {
		e.log.Warnf("[Snapshot] %d: %d of %d files could not be hashed", snap.Snapshot, failed, len(refs))
	}
	return nil
}

// isFileError reports failures local to the source file at abs, which do
// not abort the hash pass.
func isFileError(err error, abs string) bool {
	if errors.Is(err, common.ErrBadHash) {
		return true
	}
	var pathErr *fs.PathError
	return errors.As(err, &pathErr) && pathErr.Path == abs
}
