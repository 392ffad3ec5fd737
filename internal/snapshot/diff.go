package snapshot

import (
	"context"
	"fmt"
	"sort"

	"chirri/internal/common"
	"chirri/internal/storage"
)

// Change kinds reported by Diff.
const (
	ChangeNew      = "new"
	ChangeDeleted  = "del"
	ChangeModified = "chg"
)

// Change is one path that differs between two snapshots. A is nil for
// new paths, B for deleted ones.
type Change struct {
	Kind string
	Path string
	A    *storage.FileRefModel
	B    *storage.FileRefModel
}

// ContentChanged reports whether a modified path has different content.
func (c Change) ContentChanged() bool {
	return c.A != nil && c.B != nil && c.A.HashString() != c.B.HashString()
}

func sameRef(a, b *storage.FileRefModel) bool {
	return a.HashString() == b.HashString() && a.Size == b.Size && a.Perm == b.Perm &&
		a.UID == b.UID && a.GID == b.GID && a.Mtime == b.Mtime
}

// Diff lists the paths whose refs differ between two finished snapshots,
// ordered by path.
func (e *Engine) Diff(ctx context.Context, a, b int64) ([]Change, error) {
	refs := make([]map[string]*storage.FileRefModel, 2)
	for n, id := range []int64{a, b} {
		snap, err := e.db.GetSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap.Status < storage.SnapshotReady {
			return nil, fmt.Errorf("%w: snapshot %d is not finished", common.ErrInvalidState, id)
		}
		list, err := e.db.ListFileRefs(ctx, id)
		if err != nil {
			return nil, err
		}
		refs[n] = make(map[string]*storage.FileRefModel, len(list))
		for i := range list {
			refs[n][list[i].Path] = &list[i]
		}
	}

	var changes []Change
	for path, ra := range refs[0] {
		rb, ok := refs[1][path]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: ChangeDeleted, Path: path, A: ra})
		case !sameRef(ra, rb):
			changes = append(changes, Change{Kind: ChangeModified, Path: path, A: ra, B: rb})
		}
	}
	for path, rb := range refs[1] {
		if _, ok := refs[0][path]; !ok {
			changes = append(changes, Change{Kind: ChangeNew, Path: path, B: rb})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes, nil
}
