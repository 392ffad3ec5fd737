// Package chunk is the content-addressed chunk store of a backup root.
//
// Every regular file is stored once, as a whole-file chunk named after its
// SHA-512 digest and size. Chunks live in the chunk directory until the
// syncer uploads them, and are fetched back from the backend on restore.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"chirri/internal/backend"
	"chirri/internal/common"
	"chirri/internal/compress"
	"chirri/internal/storage"
	"chirri/internal/util"
)

const (
	tempSuffix     = ".tmp"
	downloadSuffix = ".download"
)

// Options configures a Store.
type Options struct {
	Logger logrus.FieldLogger
}

// Store manages chunk files and their index rows.
type Store struct {
	db  *storage.BunDB
	dir string
	log logrus.FieldLogger
}

// New opens the chunk directory, creating it if needed.
func New(db *storage.BunDB, dir string, opts Options) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create chunk directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{db: db, dir: dir, log: logger}, nil
}

// Dir returns the chunk directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the local file of a chunk in its current encoding.
func (s *Store) Path(c *storage.ChunkModel) string {
	return filepath.Join(s.dir, Filename(c.Hash, c.Size, c.Compression))
}

func (s *Store) tempPath() string {
	return filepath.Join(s.dir, "."+uuid.NewString()+tempSuffix)
}

// StagingPath is where a restore materializes the plain content of a
// chunk before placing it. It counts as a temp file for the sweep.
func (s *Store) StagingPath(hash string) string {
	return filepath.Join(s.dir, "."+hash+".restore"+tempSuffix)
}

// IsTempName reports whether a chunk directory entry is a leftover temp
// file or partial download.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") &&
		(strings.HasSuffix(name, tempSuffix) || strings.HasSuffix(name, tempSuffix+downloadSuffix))
}

// Store adds the file at localPath to the store. If a chunk with the same
// hash exists it is returned unchanged; otherwise the file is copied into
// the chunk directory and a new row with status new and refcount 0 is
// inserted. The caller takes the reference.
func (s *Store) Store(ctx context.Context, idb bun.IDB, localPath, firstSeenAs string) (*storage.ChunkModel, error) {
	hash, size, err := util.HashFile(localPath)
	if err != nil {
		return nil, err
	}

	existing, err := s.db.GetChunkWith(idb, ctx, hash)
	if err == nil {
		if existing.Size != size {
			return nil, fmt.Errorf("%w: chunk %s has size %d, file %s has %d",
				common.ErrChunkSizeMismatch, hash, existing.Size, localPath, size)
		}
		s.log.Debugf("[ChunkStore] %s: dedup %s", firstSeenAs, short(hash))
		return existing, nil
	}
	if !errors.Is(err, common.ErrChunkNotFound) {
		return nil, err
	}

	chunk := &storage.ChunkModel{
		Hash:        hash,
		Size:        size,
		CSize:       size,
		FirstSeenAs: firstSeenAs,
		Status:      storage.ChunkNew,
	}
	target := s.Path(chunk)
	if err := os.Remove(target); err == nil {
		s.log.Warnf("[ChunkStore] removed stale chunk file %s", filepath.Base(target))
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	tmp := s.tempPath()
	copied, n, err := copyHashed(localPath, tmp, compress.None, compress.None)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if copied != hash || n != size {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %s changed while being stored", common.ErrBadHash, localPath)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := s.db.InsertChunkWith(idb, ctx, chunk); err != nil {
		os.Remove(target)
		return nil, fmt.Errorf("failed to insert chunk %s: %w", hash, err)
	}
	storedBytes.Add(float64(size))
	s.log.Debugf("[ChunkStore] %s: stored %s (%d bytes)", firstSeenAs, short(hash), size)
	return chunk, nil
}

// copyHashed decodes src with from, hashes the plain stream and writes it
// re-encoded with to into dst. It returns the plain digest and size.
func copyHashed(src, dst, from, to string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer in.Close()

	r, err := compress.NewReader(from, in)
	if err != nil {
		return "", 0, err
	}
	defer r.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return "", 0, err
	}
	w, err := compress.NewWriter(to, out)
	if err != nil {
		out.Close()
		return "", 0, err
	}
	digest, n, err := util.HashReader(io.TeeReader(r, w))
	if err != nil {
		w.Close()
		out.Close()
		return "", 0, err
	}
	if err := w.Close(); err != nil {
		out.Close()
		return "", 0, err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return "", 0, err
	}
	return digest, n, out.Close()
}

// Compress re-encodes a new chunk with algo and returns the file of the
// previous encoding. That file stays in place: the caller removes it with
// RemoveStale once the transaction holding the row update has committed,
// so a rolled back update still finds its chunk file. An empty result
// means nothing changed: algo is none, already applied, or does not make
// the file strictly smaller. The caller advances the status.
func (s *Store) Compress(ctx context.Context, idb bun.IDB, chunk *storage.ChunkModel, algo string) (string, error) {
	if chunk.Status != storage.ChunkNew {
		return "", fmt.Errorf("%w: chunk %s has status %d, compression needs %d",
			common.ErrInvalidState, chunk.Hash, chunk.Status, storage.ChunkNew)
	}
	algo = compress.Normalize(algo)
	if err := compress.Validate(algo); err != nil {
		return "", err
	}
	if algo == compress.None || algo == chunk.Compression {
		compressTotal.WithLabelValues("skipped").Inc()
		return "", nil
	}

	current := s.Path(chunk)
	tmp := s.tempPath()
	digest, _, err := copyHashed(current, tmp, chunk.Compression, algo)
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to compress chunk %s: %w", chunk.Hash, err)
	}
	if digest != chunk.Hash {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: chunk %s", common.ErrBadHash, chunk.Hash)
	}
	info, err := os.Stat(tmp)
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if info.Size() >= chunk.CSize {
		os.Remove(tmp)
		compressTotal.WithLabelValues("rejected").Inc()
		s.log.Warnf("[ChunkStore] chunk %s: %s does not reduce size (%d >= %d), keeping %q",
			short(chunk.Hash), algo, info.Size(), chunk.CSize, chunk.Compression)
		return "", nil
	}

	updated := *chunk
	updated.Compression = algo
	updated.CSize = info.Size()
	if err := os.Rename(tmp, s.Path(&updated)); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := s.db.UpdateChunkWith(idb, ctx, &updated, "compression", "csize"); err != nil {
		os.Remove(s.Path(&updated))
		return "", err
	}
	*chunk = updated
	compressTotal.WithLabelValues("applied").Inc()
	s.log.Debugf("[ChunkStore] chunk %s: %s %d -> %d bytes", short(chunk.Hash), algo, chunk.Size, chunk.CSize)
	return current, nil
}

// RemoveStale deletes the file of a superseded chunk encoding returned by
// Compress. Failures are logged; the syncer sweep retries later.
func (s *Store) RemoveStale(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.Warnf("[ChunkStore] failed to remove %s: %v", path, err)
	}
}

// Upload sends the local chunk file to the backend.
func (s *Store) Upload(ctx context.Context, chunk *storage.ChunkModel, be backend.Backend) error {
	name := backend.ChunkName(Filename(chunk.Hash, chunk.Size, chunk.Compression))
	return be.UploadFile(ctx, name, s.Path(chunk))
}

// DeleteRemote removes the chunk object from the backend.
func (s *Store) DeleteRemote(ctx context.Context, chunk *storage.ChunkModel, be backend.Backend) error {
	name := backend.ChunkName(Filename(chunk.Hash, chunk.Size, chunk.Compression))
	return be.DeleteFile(ctx, name)
}

// RemoveLocal deletes the local chunk file. A missing file is not an error.
func (s *Store) RemoveLocal(chunk *storage.ChunkModel) error {
	err := os.Remove(s.Path(chunk))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// HasLocal reports whether the chunk file is present locally.
func (s *Store) HasLocal(chunk *storage.ChunkModel) bool {
	_, err := os.Stat(s.Path(chunk))
	return err == nil
}

// Verify decodes the local chunk file and checks its digest and size.
func (s *Store) Verify(chunk *storage.ChunkModel) error {
	return verifyFile(s.Path(chunk), chunk)
}

func verifyFile(path string, chunk *storage.ChunkModel) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := compress.NewReader(chunk.Compression, f)
	if err != nil {
		return err
	}
	defer r.Close()
	digest, n, err := util.HashReader(r)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", common.ErrCorruptChunk, filepath.Base(path), err)
	}
	if digest != chunk.Hash || n != chunk.Size {
		return fmt.Errorf("%w: %s", common.ErrCorruptChunk, filepath.Base(path))
	}
	return nil
}

// RefcountInc takes one reference on a chunk.
func (s *Store) RefcountInc(ctx context.Context, idb bun.IDB, hash string) error {
	return s.db.RefcountAddWith(idb, ctx, hash, 1)
}

// RefcountDec drops one reference. It fails with ErrNegativeRefcount
// instead of going below zero.
func (s *Store) RefcountDec(ctx context.Context, idb bun.IDB, hash string) error {
	return s.db.RefcountAddWith(idb, ctx, hash, -1)
}

// Download materializes the plain content of a chunk at target. The local
// chunk file is used while it exists; otherwise the chunk is fetched into
// target+".download" first. An interrupted download left behind is reused
// when it verifies. With overwrite an existing target that already holds
// the content is kept as is.
func (s *Store) Download(ctx context.Context, chunk *storage.ChunkModel, be backend.Backend, target string, overwrite bool) error {
	if _, err := os.Lstat(target); err == nil {
		if !overwrite {
			return fmt.Errorf("%w: %s", common.ErrExists, target)
		}
		if digest, _, err := util.HashFile(target); err == nil && digest == chunk.Hash {
			s.log.Debugf("[ChunkStore] %s already holds chunk %s", target, short(chunk.Hash))
			return nil
		}
		if err := os.Remove(target); err != nil {
			return err
		}
	}

	source := s.Path(chunk)
	if _, err := os.Stat(source); err != nil {
		source = target + downloadSuffix
		if err := s.fetch(ctx, chunk, be, source); err != nil {
			return err
		}
	}

	tmp := filepath.Join(filepath.Dir(target), "."+uuid.NewString()+tempSuffix)
	digest, n, err := copyHashed(source, tmp, chunk.Compression, compress.None)
	if err == nil && (digest != chunk.Hash || n != chunk.Size) {
		err = errors.New("content hash does not match")
	}
	if err != nil {
		os.Remove(tmp)
		if source == target+downloadSuffix {
			os.Remove(source)
		}
		return fmt.Errorf("%w: chunk %s: %v", common.ErrCorruptChunk, short(chunk.Hash), err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return err
	}
	if source == target+downloadSuffix {
		os.Remove(source)
	}
	return nil
}

// fetch downloads the encoded chunk to path unless a verified copy from an
// earlier attempt is already there.
func (s *Store) fetch(ctx context.Context, chunk *storage.ChunkModel, be backend.Backend, path string) error {
	if _, err := os.Stat(path); err == nil {
		if verifyFile(path, chunk) == nil {
			s.log.Infof("[ChunkStore] resuming with downloaded %s", filepath.Base(path))
			return nil
		}
		s.log.Warnf("[ChunkStore] discarding invalid partial download %s", filepath.Base(path))
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	name := backend.ChunkName(Filename(chunk.Hash, chunk.Size, chunk.Compression))
	if err := be.DownloadFile(ctx, name, path); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
