package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/uptrace/bun"

	"chirri/internal/backend"
	"chirri/internal/chunk"
	"chirri/internal/common"
	"chirri/internal/storage"
)

type workItem struct {
	hash     string
	firstAs  string
	attempts int
}

// syncChunks drives every chunk needing work to a final state. A chunk
// whose upload fails transiently goes to the back of the queue until its
// attempt budget is spent; any other failure stops the sync.
func (s *Syncer) syncChunks(ctx context.Context, algo string, rep *Report) error {
	s.log.Info("[Syncer] syncing chunks")
	work, err := s.db.ListSyncWork(ctx)
	if err != nil {
		return err
	}
	queue := make([]*workItem, 0, len(work))
	for i := range work {
		queue = append(queue, &workItem{hash: work[i].Hash, firstAs: work[i].FirstSeenAs})
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := queue[0]
		queue = queue[1:]

		err := s.syncChunk(ctx, item.hash, algo, rep)
		if err == nil {
			continue
		}
		if !backend.IsTransient(err) {
			return err
		}
		item.attempts++
		if item.attempts >= s.opts.MaxUploadAttempts {
			s.log.Errorf("[Syncer] chunk %s (%s): giving up after %d attempts: %v",
				item.hash, item.firstAs, item.attempts, err)
			rep.Abandoned = append(rep.Abandoned, item.hash)
			chunksTotal.WithLabelValues(actionAbandoned).Inc()
			continue
		}
		s.log.Warnf("[Syncer] chunk %s (%s): attempt %d failed, will retry later: %v",
			item.hash, item.firstAs, item.attempts, err)
		uploadRetries.Inc()
		queue = append(queue, item)
	}
	return nil
}

// syncChunk advances one chunk until nothing is left to do for it. The
// row is reloaded before each step so every decision sees committed state.
func (s *Syncer) syncChunk(ctx context.Context, hash, algo string, rep *Report) error {
	for {
		c, err := s.db.GetChunk(ctx, hash)
		if errors.Is(err, common.ErrChunkNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		switch {
		case c.Status == storage.ChunkNew:
			var stale string
			err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
				var err error
				if stale, err = s.chunks.Compress(ctx, tx, c, algo); err != nil {
					return err
				}
				return s.db.SetChunkStatusWith(tx, ctx, hash, storage.ChunkPending)
			})
			if err != nil {
				return err
			}
			if stale != "" {
				// the old encoding goes only after the new row is committed
				s.chunks.RemoveStale(stale)
				rep.ChunksCompressed++
				chunksTotal.WithLabelValues(actionCompressed).Inc()
				s.log.Infof("[Syncer] chunk %s: compressed with %s (%d => %d)", hash, c.Compression, c.Size, c.CSize)
			}

		case c.Status == storage.ChunkPending && c.Refcount > 0:
			s.log.Infof("[Syncer] chunk %s: uploading (%s)", hash, c.FirstSeenAs)
			if err := s.chunks.Upload(ctx, c, s.be); err != nil {
				return err
			}
			// the status must be committed before the local copy goes away
			if err := s.db.SetChunkStatus(ctx, hash, storage.ChunkUploaded); err != nil {
				return err
			}
			if err := s.chunks.RemoveLocal(c); err != nil {
				return err
			}
			rep.ChunksUploaded++
			rep.Bytes += c.CSize
			chunksTotal.WithLabelValues(actionUploaded).Inc()
			bytesUploaded.Add(float64(c.CSize))
			return nil

		case c.Status == storage.ChunkPending:
			s.log.Infof("[Syncer] chunk %s: deleting unreferenced local chunk", hash)
			if err := s.chunks.RemoveLocal(c); err != nil {
				return err
			}
			if err := s.db.DeleteChunkWith(s.db.DB, ctx, hash); err != nil {
				return err
			}
			rep.ChunksDropped++
			chunksTotal.WithLabelValues(actionDroppedLocal).Inc()
			return nil

		case c.Status == storage.ChunkUploaded && c.Refcount == 0:
			s.log.Warnf("[Syncer] chunk %s: deleting unreferenced remote chunk", hash)
			if err := s.remote(ctx, func() error { return s.chunks.DeleteRemote(ctx, c, s.be) }); err != nil {
				return err
			}
			if err := s.db.DeleteChunkWith(s.db.DB, ctx, hash); err != nil {
				return err
			}
			rep.ChunksDropped++
			chunksTotal.WithLabelValues(actionDroppedRemote).Inc()
			return nil

		default:
			return nil
		}
	}
}

// sweep inspects the chunk directory for files the index does not expect:
// leftovers of interrupted writes and copies of uploaded chunks are
// removed, unknown or badly named files are only reported.
func (s *Syncer) sweep(ctx context.Context, rep *Report) error {
	entries, err := os.ReadDir(s.chunks.Dir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		path := filepath.Join(s.chunks.Dir(), name)
		if e.IsDir() {
			s.log.Warnf("[Syncer] unexpected directory %s in chunk store", path)
			continue
		}
		if chunk.IsTempName(name) {
			s.log.Warnf("[Syncer] [LDL] removing stale temporary file %s", path)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return err
			}
			rep.Swept++
			chunksTotal.WithLabelValues(actionSwept).Inc()
			continue
		}
		hash, size, algo, err := chunk.ParseFilename(name)
		if err != nil {
			s.log.Errorf("[Syncer] bad chunk file name %q: %v", name, err)
			continue
		}
		c, err := s.db.GetChunk(ctx, hash)
		if errors.Is(err, common.ErrChunkNotFound) || (err == nil && c.Size != size) {
			s.log.Warnf("[Syncer] unknown chunk file %s", path)
			continue
		}
		if err != nil {
			return err
		}
		switch {
		case c.Status == storage.ChunkUploaded:
			s.log.Warnf("[Syncer] [LDL] removing forgotten local copy of uploaded chunk %s", hash)
		case c.Compression != algo && s.chunks.HasLocal(c):
			s.log.Warnf("[Syncer] [LDL] removing stale %q copy of chunk %s", algo, hash)
		case c.Compression != algo:
			s.log.Errorf("[Syncer] chunk %s: only a %q copy is left, index expects %q", hash, algo, c.Compression)
			continue
		default:
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		rep.Swept++
		chunksTotal.WithLabelValues(actionSwept).Inc()
	}
	return nil
}
