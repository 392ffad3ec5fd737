// Package backend defines the remote object store contract used by the
// chunk store, the syncer and the rebuild engine, plus its implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"chirri/internal/common"
)

// Object is one entry of a remote listing.
type Object struct {
	Name string
	Size int64
}

// Backend is a remote object store. Names are slash separated and relative
// to the store root. Every error returned is classified as transient or
// permanent (see IsTransient).
type Backend interface {
	UploadFile(ctx context.Context, name, localPath string) error
	UploadData(ctx context.Context, name string, data []byte) error
	DownloadFile(ctx context.Context, name, localPath string) error
	DownloadData(ctx context.Context, name string) ([]byte, error)
	DeleteFile(ctx context.Context, name string) error
	// List returns every object whose name starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	// Complete waits for asynchronous operations to drain.
	Complete(ctx context.Context) error
}

// Error is a classified backend failure.
type Error struct {
	Op        string
	Name      string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Name == "" {
		return fmt.Sprintf("%s %s: %v", kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", kind, e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the class sentinel of the error.
func (e *Error) Is(target error) bool {
	if e.Transient {
		return target == common.ErrTransientBackend
	}
	return target == common.ErrPermanentBackend
}

// Transient wraps err as a retryable failure of op on name.
func Transient(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Name: name, Transient: true, Err: err}
}

// Permanent wraps err as a non-retryable failure of op on name.
func Permanent(op, name string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Op: op, Name: name, Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, common.ErrTransientBackend)
}

// Remote object name prefixes.
const (
	ChunksPrefix    = "chunks/"
	SnapshotsPrefix = "snapshots/"
	ConfigsPrefix   = "configs/"
)

// ChunkName returns the remote name of a chunk file.
func ChunkName(filename string) string {
	return ChunksPrefix + filename
}

// SnapshotName returns the remote name of a snapshot description.
func SnapshotName(id int64, compression string) string {
	name := fmt.Sprintf("%ssnapshot-%d.txt", SnapshotsPrefix, id)
	if compression != "" {
		name += "." + compression
	}
	return name
}

// ConfigName returns the remote name of a config backup.
func ConfigName(id int64) string {
	return fmt.Sprintf("%sconfig-%d.txt", ConfigsPrefix, id)
}

var snapshotNameRe = regexp.MustCompile(`^snapshots/snapshot-([1-9][0-9]*)\.txt(?:\.([a-zA-Z0-9_]+))?$`)

// ParseSnapshotName extracts the id and compression of a remote snapshot
// description name.
func ParseSnapshotName(name string) (id int64, compression string, ok bool) {
	m := snapshotNameRe.FindStringSubmatch(name)
	if m == nil {
		return 0, "", false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, m[2], true
}
