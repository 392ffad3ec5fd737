// Package syncer publishes local index state to the backend. One Run
// uploads finished snapshot descriptions and removes deleted ones,
// uploads, compresses and garbage collects chunks, and mirrors config
// backups. Every step commits to the index before the next remote call.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"chirri/internal/backend"
	"chirri/internal/chunk"
	"chirri/internal/common"
	"chirri/internal/compress"
	"chirri/internal/envelope"
	"chirri/internal/snapshot"
	"chirri/internal/storage"
	"chirri/internal/util"
)

// DefaultMaxUploadAttempts bounds how often a chunk upload is requeued
// after transient failures within one run.
const DefaultMaxUploadAttempts = 5

// Options configures a Syncer.
type Options struct {
	Logger logrus.FieldLogger
	Now    func() time.Time

	// DescriptionFormat is the snapshot description format (csv or json).
	DescriptionFormat string
	// MaxUploadAttempts is the per-chunk attempt budget of one run.
	MaxUploadAttempts int
	// RetryAttempts and RetryDelay apply to single remote operations:
	// description and config uploads, remote deletes.
	RetryAttempts uint
	RetryDelay    time.Duration
}

// Report summarizes one Run.
type Report struct {
	SnapshotsUploaded  int
	SnapshotsDestroyed int
	ChunksCompressed   int
	ChunksUploaded     int
	ChunksDropped      int
	ConfigsUploaded    int
	ConfigsDestroyed   int
	Swept              int
	Bytes              int64
	// Abandoned lists chunk hashes whose upload kept failing.
	Abandoned []string
}

// Syncer mirrors one index to one backend.
type Syncer struct {
	db     *storage.BunDB
	chunks *chunk.Store
	snaps  *snapshot.Engine
	be     backend.Backend
	opts   Options
	log    logrus.FieldLogger
}

// New returns a syncer. Zero options get defaults.
func New(db *storage.BunDB, chunks *chunk.Store, snaps *snapshot.Engine, be backend.Backend, opts Options) *Syncer {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.DescriptionFormat == "" {
		opts.DescriptionFormat = snapshot.FormatCSV
	}
	if opts.MaxUploadAttempts <= 0 {
		opts.MaxUploadAttempts = DefaultMaxUploadAttempts
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	return &Syncer{db: db, chunks: chunks, snaps: snaps, be: be, opts: opts, log: opts.Logger}
}

// Run syncs snapshots, then chunks, then config backups, and waits for the
// backend to drain.
func (s *Syncer) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}
	algo, err := s.indexCompression(ctx)
	if err != nil {
		return rep, err
	}
	if err := s.syncSnapshots(ctx, algo, rep); err != nil {
		return rep, fmt.Errorf("sync snapshots: %w", err)
	}
	if err := s.syncChunks(ctx, algo, rep); err != nil {
		return rep, fmt.Errorf("sync chunks: %w", err)
	}
	if err := s.sweep(ctx, rep); err != nil {
		return rep, fmt.Errorf("sweep chunk directory: %w", err)
	}
	if err := s.syncConfigs(ctx, rep); err != nil {
		return rep, fmt.Errorf("sync config backups: %w", err)
	}
	if err := s.be.Complete(ctx); err != nil {
		return rep, err
	}
	s.log.Infof("[Syncer] done: %d snapshots, %d chunks, %d bytes uploaded",
		rep.SnapshotsUploaded, rep.ChunksUploaded, rep.Bytes)
	if len(rep.Abandoned) > 0 {
		s.log.Errorf("[Syncer] %d chunks could not be uploaded, run sync again", len(rep.Abandoned))
	}
	return rep, nil
}

// indexCompression is the algorithm configured for new chunks and
// descriptions. An index without the attribute does not compress.
func (s *Syncer) indexCompression(ctx context.Context) (string, error) {
	algo, err := s.db.GetStr(ctx, storage.AttrCompression)
	if errors.Is(err, common.ErrUnknownAttribute) {
		return compress.None, nil
	}
	if err != nil {
		return "", err
	}
	algo = compress.Normalize(algo)
	return algo, compress.Validate(algo)
}

// remote runs a single backend operation, retrying transient failures.
func (s *Syncer) remote(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, fn, util.BackendRetryOptions(ctx, s.opts.RetryAttempts, s.opts.RetryDelay, backend.IsTransient)...)
}

func (s *Syncer) upload(ctx context.Context, name string, data []byte, rep *Report) error {
	if err := s.remote(ctx, func() error { return s.be.UploadData(ctx, name, data) }); err != nil {
		return err
	}
	rep.Bytes += int64(len(data))
	bytesUploaded.Add(float64(len(data)))
	return nil
}

func (s *Syncer) syncSnapshots(ctx context.Context, algo string, rep *Report) error {
	s.log.Info("[Syncer] syncing snapshots")
	snaps, err := s.db.ListSnapshots(ctx)
	if err != nil {
		return err
	}
	for i := range snaps {
		if err := ctx.Err(); err != nil {
			return err
		}
		snap := &snaps[i]
		switch {
		case snap.Deleted:
			if snap.Status == storage.SnapshotSigned {
				s.log.Infof("[Syncer] [DEL] remote snapshot %d", snap.Snapshot)
				name := backend.SnapshotName(snap.Snapshot, snap.Compression)
				if err := s.remote(ctx, func() error { return s.be.DeleteFile(ctx, name) }); err != nil {
					return err
				}
			} else {
				s.log.Infof("[Syncer] [DEL] local snapshot %d", snap.Snapshot)
			}
			if err := s.snaps.Destroy(ctx, snap.Snapshot); err != nil {
				return err
			}
			rep.SnapshotsDestroyed++
		case snap.Status == storage.SnapshotReady:
			if err := s.uploadSnapshot(ctx, snap, algo, rep); err != nil {
				return fmt.Errorf("snapshot %d: %w", snap.Snapshot, err)
			}
		}
	}
	return nil
}

// uploadSnapshot signs, protects and publishes the description of a ready
// snapshot. The snapshot keeps the compression it was first published
// with; otherwise the index algorithm is used when it actually shrinks
// the description.
func (s *Syncer) uploadSnapshot(ctx context.Context, snap *storage.SnapshotModel, algo string, rep *Report) error {
	snap.SignedTstamp = s.opts.Now().Unix()
	desc, err := s.snaps.RenderWith(s.db.DB, ctx, snap, s.opts.DescriptionFormat)
	if err != nil {
		return err
	}
	blob := envelope.Protect(desc)
	if snap.Compression != compress.None {
		blob, err = compress.Compress(snap.Compression, blob)
	} else {
		blob, snap.Compression, err = compress.CompressIfSmaller(algo, blob)
	}
	if err != nil {
		return err
	}
	if err := s.upload(ctx, backend.SnapshotName(snap.Snapshot, snap.Compression), blob, rep); err != nil {
		return err
	}
	snap.Status = storage.SnapshotSigned
	if err := s.db.UpdateSnapshotWith(s.db.DB, ctx, snap, "signed_tstamp", "compression", "status"); err != nil {
		return err
	}
	rep.SnapshotsUploaded++
	s.log.Infof("[Syncer] [UPD] snapshot %d (%d bytes)", snap.Snapshot, len(blob))
	return nil
}

func (s *Syncer) syncConfigs(ctx context.Context, rep *Report) error {
	s.log.Info("[Syncer] syncing config backups")
	cbs, err := s.db.ListConfigBackups(ctx)
	if err != nil {
		return err
	}
	for i := range cbs {
		if err := ctx.Err(); err != nil {
			return err
		}
		cb := &cbs[i]
		name := backend.ConfigName(cb.ID)
		switch {
		case cb.Status == storage.ConfigLocal && cb.Deleted:
			s.log.Infof("[Syncer] [DEL] local config backup %d", cb.ID)
		case cb.Status == storage.ConfigLocal:
			if err := s.upload(ctx, name, envelope.Protect([]byte(cb.Config)), rep); err != nil {
				return fmt.Errorf("config backup %d: %w", cb.ID, err)
			}
			cb.Status = storage.ConfigUploaded
			if err := s.db.UpdateConfigBackupWith(s.db.DB, ctx, cb, "status"); err != nil {
				return err
			}
			rep.ConfigsUploaded++
			s.log.Infof("[Syncer] [UPD] config backup %d", cb.ID)
			continue
		case cb.Deleted:
			s.log.Infof("[Syncer] [DEL] remote config backup %d", cb.ID)
			if err := s.remote(ctx, func() error { return s.be.DeleteFile(ctx, name) }); err != nil {
				return err
			}
		default:
			continue
		}
		if err := s.db.DeleteConfigBackupWith(s.db.DB, ctx, cb.ID); err != nil {
			return err
		}
		rep.ConfigsDestroyed++
	}
	return nil
}
