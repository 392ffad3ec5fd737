package common

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrExists      = errors.New("already exists")
	ErrInvalidPath = errors.New("invalid path")
	ErrIO          = errors.New("I/O error")

	// Data integrity. Never repaired silently.
	ErrBadHash         = errors.New("content hash does not match")
	ErrCorruptChunk    = errors.New("corrupt chunk")
	ErrCorruptEnvelope = errors.New("corrupt envelope")
	ErrBadDescription  = errors.New("bad snapshot description")

	// Index corruption.
	ErrNegativeRefcount  = errors.New("negative refcount")
	ErrChunkSizeMismatch = errors.New("chunk size mismatch")

	// Lookup misses. Each one also matches ErrNotFound.
	ErrChunkNotFound    = notFound("chunk not found")
	ErrSnapshotNotFound = notFound("snapshot not found")
	ErrExcludeNotFound  = notFound("exclude rule not found")
	ErrConfigNotFound   = notFound("config backup not found")

	ErrTransientBackend = errors.New("transient backend error")
	ErrPermanentBackend = errors.New("permanent backend error")

	ErrNotSupported       = errors.New("not supported")
	ErrUnknownAttribute   = errors.New("unknown attribute")
	ErrAttributeType      = errors.New("attribute type mismatch")
	ErrUpgradeRequired    = errors.New("index upgrade required")
	ErrUnsupportedVersion = errors.New("unsupported index version")
	ErrInvalidState       = errors.New("invalid state")
	ErrLocked             = errors.New("backup root is locked by another process")
)

// lookupError is a named miss that also reports itself as ErrNotFound.
type lookupError struct {
	msg string
}

func notFound(msg string) error {
	return &lookupError{msg: msg}
}

func (e *lookupError) Error() string {
	return e.msg
}

func (e *lookupError) Is(target error) bool {
	return target == ErrNotFound
}
