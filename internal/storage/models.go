package storage

import (
	"strings"

	"github.com/uptrace/bun"
)

// Bun ORM models for the index tables.

// Chunk status values (file_data.status)
const (
	ChunkNew      = 0 // stored locally, compression not decided
	ChunkPending  = 1 // compression decided, waiting for upload
	ChunkUploaded = 2 // remote only
)

// Snapshot status values (snapshots.status)
const (
	SnapshotRebuilding = -1
	SnapshotDiscover   = 0
	SnapshotPrune      = 1
	SnapshotHash       = 2
	SnapshotFinalize   = 3
	SnapshotReady      = 4
	SnapshotSigned     = 5
)

// FileRef status values. NULL (nil) means copied unchanged from the base snapshot.
const (
	RefFailed     = -1
	RefDiscovered = 0
	RefHashed     = 1
)

// Config backup status values
const (
	ConfigLocal    = 0
	ConfigUploaded = 1
)

// Exclude expression types
const (
	ExcludeLiteral   = 0
	ExcludeWildcard  = 1
	ExcludeRegex     = 2
	ExcludeGitignore = 3
)

// Index status attribute: rebuild phases 0..3, normal operation 100.
const StatusReady = 100

// FileRef hash markers for non-regular files
const (
	HashDir       = "dir"
	SymlinkPrefix = "symlink:"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// AttrModel represents one row of the status (attribute) table.
type AttrModel struct {
	bun.BaseModel `bun:"table:status"`

	Key   string  `bun:"key,pk"`
	Save  bool    `bun:"save,notnull"`
	Type  string  `bun:"type,notnull"`
	Value *string `bun:"value"`
}

// ChunkModel represents the file_data table.
type ChunkModel struct {
	bun.BaseModel `bun:"table:file_data"`

	Hash        string `bun:"hash,pk"`
	Size        int64  `bun:"size,pk"`
	CSize       int64  `bun:"csize,notnull"`
	FirstSeenAs string `bun:"first_seen_as,nullzero"`
	Status      int    `bun:"status,notnull"`
	Refcount    int64  `bun:"refcount,notnull"`
	Compression string `bun:"compression,nullzero"`
}

// FileRefModel represents the file_ref table.
type FileRefModel struct {
	bun.BaseModel `bun:"table:file_ref"`

	Snapshot int64   `bun:"snapshot,pk"`
	Path     string  `bun:"path,pk"`
	Hash     *string `bun:"hash"`
	Size     int64   `bun:"size,notnull"`
	Perm     int64   `bun:"perm,notnull"`
	UID      int64   `bun:"uid,notnull"`
	GID      int64   `bun:"gid,notnull"`
	Mtime    int64   `bun:"mtime,notnull"`
	Status   *int    `bun:"status"`
}

// IsDir reports whether the ref describes a directory.
func (r *FileRefModel) IsDir() bool {
	return r.Hash != nil && *r.Hash == HashDir
}

// IsSymlink reports whether the ref describes a symbolic link.
func (r *FileRefModel) IsSymlink() bool {
	return r.Hash != nil && strings.HasPrefix(*r.Hash, SymlinkPrefix)
}

// IsRegular reports whether the ref describes a regular file (hashed or not).
func (r *FileRefModel) IsRegular() bool {
	return !r.IsDir() && !r.IsSymlink()
}

// SymlinkTarget returns the stored link target.
func (r *FileRefModel) SymlinkTarget() string {
	if !r.IsSymlink() {
		return ""
	}
	return strings.TrimPrefix(*r.Hash, SymlinkPrefix)
}

// ChunkHash returns the content hash of a hashed regular file, or "".
func (r *FileRefModel) ChunkHash() string {
	if r.Hash == nil || !r.IsRegular() {
		return ""
	}
	return *r.Hash
}

// HashString returns the hash column as text, "" for NULL.
func (r *FileRefModel) HashString() string {
	if r.Hash == nil {
		return ""
	}
	return *r.Hash
}

// SnapshotModel represents the snapshots table.
type SnapshotModel struct {
	bun.BaseModel `bun:"table:snapshots"`

	Snapshot       int64  `bun:"snapshot,pk"`
	Status         int    `bun:"status,notnull"`
	StartedTstamp  int64  `bun:"started_tstamp,nullzero"`
	FinishedTstamp int64  `bun:"finished_tstamp,nullzero"`
	SignedTstamp   int64  `bun:"signed_tstamp,nullzero"`
	Compression    string `bun:"compression,nullzero"`
	Deleted        bool   `bun:"deleted,notnull"`
}

// ExcludeModel represents the excludes table.
type ExcludeModel struct {
	bun.BaseModel `bun:"table:excludes"`

	ID         int64  `bun:"exclude_id,pk"`
	Pattern    string `bun:"exclude,notnull"`
	ExprType   int    `bun:"expr_type,notnull"`
	IgnoreCase bool   `bun:"ignore_case,notnull"`
	Disabled   bool   `bun:"disabled,notnull"`
}

// ExprTypeName returns the user facing name of an expression type.
func ExprTypeName(t int) string {
	switch t {
	case ExcludeLiteral:
		return "literal"
	case ExcludeWildcard:
		return "wildcard"
	case ExcludeRegex:
		return "regex"
	case ExcludeGitignore:
		return "gitignore"
	default:
		return "unknown"
	}
}

// ParseExprType is the inverse of ExprTypeName.
func ParseExprType(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "literal":
		return ExcludeLiteral, true
	case "wildcard":
		return ExcludeWildcard, true
	case "regex":
		return ExcludeRegex, true
	case "gitignore":
		return ExcludeGitignore, true
	}
	return 0, false
}

// ConfigBackupModel represents the config_backups table.
type ConfigBackupModel struct {
	bun.BaseModel `bun:"table:config_backups"`

	ID      int64  `bun:"config_id,pk"`
	Config  string `bun:"config,notnull"`
	Status  int    `bun:"status,notnull"`
	Tstamp  int64  `bun:"tstamp,notnull"`
	Deleted bool   `bun:"deleted,notnull"`
}
