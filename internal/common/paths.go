package common

import (
	"path/filepath"
	"strings"
)

// On-disk names owned by the index inside a backup root.
const (
	IndexFileName = "__chirri__.db"
	ChunksDirName = "__chunks__"
	LockFileName  = "__chirri__.lock"
)

// indexFiles are skipped by discovery and restore.
var indexFiles = map[string]bool{
	IndexFileName:              true,
	IndexFileName + "-journal": true,
	IndexFileName + "-wal":     true,
	IndexFileName + "-shm":     true,
	ChunksDirName:              true,
	LockFileName:               true,
}

// IsIndexFile reports whether a root-relative path belongs to the index itself.
func IsIndexFile(relPath string) bool {
	relPath = NormalizePath(relPath)
	if relPath == "" {
		return false
	}
	return indexFiles[SplitPath(relPath)[0]]
}

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(path string) string {
	path = filepath.ToSlash(filepath.Clean(path))
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// SplitPath splits a path into its components
func SplitPath(path string) []string {
	path = NormalizePath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// JoinPath joins path components
func JoinPath(parts ...string) string {
	return NormalizePath(filepath.Join(parts...))
}

// ParentPath returns the parent directory of a path
func ParentPath(path string) string {
	path = NormalizePath(path)
	if path == "" {
		return ""
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return filepath.ToSlash(dir)
}

// SafeJoin joins a root-relative slash path onto root and rejects paths
// that would land outside root.
func SafeJoin(root, relPath string) (string, error) {
	rel := NormalizePath(relPath)
	for _, part := range SplitPath(rel) {
		if part == ".." {
			return "", ErrInvalidPath
		}
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", ErrInvalidPath
	}
	return full, nil
}
