package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"chirri/internal/backend"
	"chirri/internal/common"
	"chirri/internal/storage"
	"chirri/internal/util"
)

// RestoreOptions controls Restore.
type RestoreOptions struct {
	// Overwrite allows restoring into an existing directory and replacing
	// files whose content differs.
	Overwrite bool
	// Paths limits the restore to these paths and everything below them.
	// Empty restores the whole snapshot.
	Paths []string
}

func (o RestoreOptions) selects(ref *storage.FileRefModel) bool {
	if len(o.Paths) == 0 {
		return true
	}
	for _, p := range o.Paths {
		p = common.NormalizePath(p)
		if p == "" || ref.Path == p || strings.HasPrefix(ref.Path, p+"/") {
			return true
		}
		// parents of a selected path are needed to hold it
		if ref.IsDir() && strings.HasPrefix(p, ref.Path+"/") {
			return true
		}
	}
	return false
}

// Restore writes a finished snapshot into target: directories first, then
// symlinks, then regular files fetched once per chunk and copied to every
// path sharing it. File times, modes and owners are applied as files are
// written; directory properties last, once nothing more is written into
// them.
func (e *Engine) Restore(ctx context.Context, id int64, be backend.Backend, target string, opts RestoreOptions) error {
	snap, err := e.db.GetSnapshot(ctx, id)
	if err != nil {
		return err
	}
	if snap.Status < storage.SnapshotReady {
		return fmt.Errorf("%w: snapshot %d cannot be restored (status %d)",
			common.ErrInvalidState, id, snap.Status)
	}
	target, err = filepath.Abs(target)
	if err != nil {
		return err
	}
	e.log.Infof("[Restore] restoring snapshot %d into %s", id, target)

	if info, err := os.Stat(target); err == nil {
		if !opts.Overwrite {
			return fmt.Errorf("%w: target %s", common.ErrExists, target)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: target %s is not a directory", common.ErrInvalidPath, target)
		}
		e.log.Warnf("[Restore] target %s already exists, restoring into it", target)
	} else if os.IsNotExist(err) {
		if err := os.MkdirAll(target, 0770); err != nil {
			return err
		}
	} else {
		return err
	}

	all, err := e.db.ListFileRefs(ctx, id)
	if err != nil {
		return err
	}
	var refs []storage.FileRefModel
	for i := range all {
		if common.IsIndexFile(all[i].Path) || !opts.selects(&all[i]) {
			continue
		}
		refs = append(refs, all[i])
	}

	// refs are ordered by path, so parents come before children
	for i := range refs {
		if !refs[i].IsDir() {
			continue
		}
		path, err := common.SafeJoin(target, refs[i].Path)
		if err != nil {
			return err
		}
		err = os.Mkdir(path, 0700)
		if os.IsExist(err) {
			err = os.Chmod(path, 0700)
		}
		if err != nil {
			return err
		}
	}

	for i := range refs {
		if !refs[i].IsSymlink() {
			continue
		}
		path, err := common.SafeJoin(target, refs[i].Path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(path); err == nil {
			if !opts.Overwrite {
				return fmt.Errorf("%w: %s", common.ErrExists, path)
			}
			if err := os.Remove(path); err != nil {
				return err
			}
		}
		e.log.Debugf("[Restore] %s -> %s", refs[i].Path, refs[i].SymlinkTarget())
		if err := os.Symlink(refs[i].SymlinkTarget(), path); err != nil {
			return err
		}
	}

	// group regular files by chunk
	groups := make(map[string][]*storage.FileRefModel)
	var order []string
	for i := range refs {
		ref := &refs[i]
		if !ref.IsRegular() {
			continue
		}
		if ref.Hash == nil {
			e.log.Warnf("[Restore] %s: no content in snapshot (hashing failed), skipped", ref.Path)
			continue
		}
		path, err := common.SafeJoin(target, ref.Path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(path); err == nil {
			if digest, _, err := util.HashFile(path); err == nil && digest == *ref.Hash {
				e.log.Infof("[Restore] %s already restored", ref.Path)
				if err := e.applyProps(path, ref); err != nil {
					return err
				}
				continue
			}
			if !opts.Overwrite {
				return fmt.Errorf("%w: %s", common.ErrExists, path)
			}
			if err := os.Remove(path); err != nil {
				return err
			}
		}
		if _, ok := groups[*ref.Hash]; !ok {
			order = append(order, *ref.Hash)
		}
		groups[*ref.Hash] = append(groups[*ref.Hash], ref)
	}

	for _, hash := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.restoreChunk(ctx, be, target, hash, groups[hash]); err != nil {
			return err
		}
	}

	for i := len(refs) - 1; i >= 0; i-- {
		if !refs[i].IsDir() {
			continue
		}
		path, err := common.SafeJoin(target, refs[i].Path)
		if err != nil {
			return err
		}
		if err := e.applyProps(path, &refs[i]); err != nil {
			return err
		}
	}
	e.log.Infof("[Restore] snapshot %d restored (%d entries)", id, len(refs))
	return nil
}

// restoreChunk stages one chunk in the chunk store and places it at every
// path that holds it, renaming into the last one. Nothing but restored
// files is ever written under target.
func (e *Engine) restoreChunk(ctx context.Context, be backend.Backend, target, hash string, refs []*storage.FileRefModel) error {
	c, err := e.db.GetChunk(ctx, hash)
	if err != nil {
		return err
	}
	staging := e.chunks.StagingPath(hash)
	if err := e.chunks.Download(ctx, c, be, staging, true); err != nil {
		return err
	}
	defer os.Remove(staging)

	for n, ref := range refs {
		path, err := common.SafeJoin(target, ref.Path)
		if err != nil {
			return err
		}
		if _, err := os.Lstat(path); err == nil {
			return fmt.Errorf("%w: unexpected file %s appeared during restore", common.ErrExists, path)
		}
		e.log.Debugf("[Restore] %s", ref.Path)
		if n == len(refs)-1 {
			err = os.Rename(staging, path)
			if errors.Is(err, syscall.EXDEV) {
				err = copyFile(staging, path)
			}
		} else {
			err = copyFile(staging, path)
		}
		if err != nil {
			return err
		}
		if err := e.applyProps(path, ref); err != nil {
			return err
		}
	}
	return nil
}

// applyProps sets mtime, mode and ownership. Ownership changes are only
// possible with privileges; without them the file keeps the restoring
// user as owner.
func (e *Engine) applyProps(path string, ref *storage.FileRefModel) error {
	mtime := time.Unix(ref.Mtime, 0)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return err
	}
	if err := os.Chmod(path, os.FileMode(ref.Perm&0777)|specialBits(ref.Perm)); err != nil {
		return err
	}
	if err := os.Lchown(path, int(ref.UID), int(ref.GID)); err != nil {
		if errors.Is(err, syscall.EPERM) {
			e.log.Debugf("[Restore] %s: cannot change owner to %d:%d", ref.Path, ref.UID, ref.GID)
			return nil
		}
		return err
	}
	return nil
}

func specialBits(perm int64) os.FileMode {
	var m os.FileMode
	if perm&04000 != 0 {
		m |= os.ModeSetuid
	}
	if perm&02000 != 0 {
		m |= os.ModeSetgid
	}
	if perm&01000 != 0 {
		m |= os.ModeSticky
	}
	return m
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
