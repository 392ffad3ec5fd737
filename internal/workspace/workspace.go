// Package workspace opens one backup root: its lock, index, chunk store
// and engines, configured from the global settings.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"chirri/internal/backend"
	"chirri/internal/chunk"
	"chirri/internal/common"
	"chirri/internal/compress"
	"chirri/internal/config"
	"chirri/internal/dbcheck"
	"chirri/internal/rebuild"
	"chirri/internal/snapshot"
	"chirri/internal/storage"
	"chirri/internal/syncer"
)

// Options configures Open, Init and InitRebuild.
type Options struct {
	Logger   logrus.FieldLogger
	Settings *config.GlobalSettings
	// Upgrade migrates an index from an older version on open.
	Upgrade bool
	// Backend replaces the backend configured in the index.
	Backend backend.Backend
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	if o.Settings == nil {
		o.Settings = &config.GlobalSettings{}
		o.Settings.ApplyDefaults()
	}
}

// Setup is the storage configuration of a new backup root.
type Setup struct {
	StorageType string
	// Storage holds the backend attributes (backend.Keys).
	Storage map[string]string
	// Compression for new chunks; empty uses the settings default.
	Compression *string
}

func (s Setup) validate() error {
	keys, err := backend.Keys(s.StorageType)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(keys))
	for _, k := range keys {
		known[k] = true
	}
	for k := range s.Storage {
		if !known[k] {
			return fmt.Errorf("%w: attribute %s does not apply to storage type %s",
				common.ErrNotSupported, k, s.StorageType)
		}
	}
	switch s.StorageType {
	case backend.TypeLocal:
		if s.Storage[backend.AttrLocalDir] == "" {
			return fmt.Errorf("local storage needs a directory")
		}
	case backend.TypeGCS:
		if s.Storage[backend.AttrGCSBucket] == "" {
			return fmt.Errorf("gs storage needs a bucket")
		}
	}
	return nil
}

// Workspace is an open backup root.
type Workspace struct {
	Root      string
	Index     *storage.Index
	Chunks    *chunk.Store
	Snapshots *snapshot.Engine

	opts Options
	log  logrus.FieldLogger
	lock *config.RootLock
	be   backend.Backend
}

func absRoot(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", common.ErrInvalidPath, abs)
	}
	return abs, nil
}

// assemble builds the engines around an index, taking ownership of lock
// and idx.
func assemble(root string, idx *storage.Index, lock *config.RootLock, opts Options) (*Workspace, error) {
	chunks, err := chunk.New(idx.BunDB, filepath.Join(root, common.ChunksDirName), chunk.Options{Logger: opts.Logger})
	if err != nil {
		idx.Close()
		lock.Unlock()
		return nil, err
	}
	return &Workspace{
		Root:      root,
		Index:     idx,
		Chunks:    chunks,
		Snapshots: snapshot.NewEngine(idx.BunDB, chunks, root, snapshot.Options{Logger: opts.Logger}),
		opts:      opts,
		log:       opts.Logger,
		lock:      lock,
		be:        opts.Backend,
	}, nil
}

// Open opens the backup root at root.
func Open(ctx context.Context, root string, opts Options) (*Workspace, error) {
	opts.applyDefaults()
	root, err := absRoot(root)
	if err != nil {
		return nil, err
	}
	lock, err := config.LockRoot(root)
	if err != nil {
		return nil, err
	}
	idx, err := storage.Open(storage.IndexPath(root), storage.OpenOptions{Upgrade: opts.Upgrade})
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return assemble(root, idx, lock, opts)
}

// create makes a new index in root, runs prepare on it and applies the
// setup. On failure nothing is left behind.
func create(ctx context.Context, root string, setup Setup, opts Options, prepare func(*storage.BunDB) error) (*Workspace, error) {
	opts.applyDefaults()
	if err := setup.validate(); err != nil {
		return nil, err
	}
	algo := opts.Settings.Compression
	if setup.Compression != nil {
		algo = *setup.Compression
	}
	algo = compress.Normalize(algo)
	if err := compress.Validate(algo); err != nil {
		return nil, err
	}
	root, err := absRoot(root)
	if err != nil {
		return nil, err
	}
	lock, err := config.LockRoot(root)
	if err != nil {
		return nil, err
	}
	idx, err := storage.Create(storage.IndexPath(root))
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	fail := func(err error) (*Workspace, error) {
		idx.Close()
		os.Remove(idx.Path())
		lock.Unlock()
		return nil, err
	}
	if prepare != nil {
		if err := prepare(idx.BunDB); err != nil {
			return fail(err)
		}
	}
	err = idx.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := idx.SetAttrWith(tx, ctx, storage.AttrStorageType, storage.StrValue(setup.StorageType)); err != nil {
			return err
		}
		if err := idx.SetAttrWith(tx, ctx, storage.AttrCompression, storage.StrValue(algo)); err != nil {
			return err
		}
		for key, value := range setup.Storage {
			if err := idx.PutAttrWith(tx, ctx, key, true, storage.StrValue(value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	ws, err := assemble(root, idx, lock, opts)
	if err != nil {
		os.Remove(idx.Path())
		return nil, err
	}
	ws.log.Infof("[Workspace] initialized %s (storage %s, compression %q)", root, setup.StorageType, algo)
	return ws, nil
}

// Init creates a backup root in an existing directory.
func Init(ctx context.Context, root string, setup Setup, opts Options) (*Workspace, error) {
	return create(ctx, root, setup, opts, nil)
}

// InitRebuild creates an index that recovers root from its remote backup.
// The optional export is imported first. Storage settings missing from
// setup are taken from the export; the ones given in setup win.
func InitRebuild(ctx context.Context, root string, setup Setup, export *storage.ConfigExport, opts Options) (*Workspace, error) {
	if export != nil {
		setup = setup.withDefaults(export)
	}
	return create(ctx, root, setup, opts, func(db *storage.BunDB) error {
		return rebuild.Prepare(ctx, db, export)
	})
}

// withDefaults completes setup from the attributes of a config export.
func (s Setup) withDefaults(export *storage.ConfigExport) Setup {
	str := func(key string) (string, bool) {
		a, ok := export.Status[key]
		if !ok || a.Value == nil {
			return "", false
		}
		v, ok := a.Value.(string)
		return v, ok
	}
	if s.StorageType == "" {
		s.StorageType, _ = str(storage.AttrStorageType)
	}
	if s.Compression == nil {
		if v, ok := str(storage.AttrCompression); ok {
			s.Compression = &v
		}
	}
	keys, err := backend.Keys(s.StorageType)
	if err != nil {
		return s
	}
	merged := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, ok := str(key); ok && v != "" {
			merged[key] = v
		}
	}
	for k, v := range s.Storage {
		merged[k] = v
	}
	s.Storage = merged
	return s
}

// Close releases the index and the lock.
func (w *Workspace) Close() error {
	var errs []error
	if c, ok := w.be.(interface{ Close() error }); ok && w.opts.Backend == nil {
		errs = append(errs, c.Close())
	}
	errs = append(errs, w.Index.Close(), w.lock.Unlock())
	return errors.Join(errs...)
}

// Status returns the index status attribute.
func (w *Workspace) Status(ctx context.Context) (int64, error) {
	return w.Index.GetInt(ctx, storage.AttrStatus)
}

// RequireReady fails unless the index is in normal operation.
func (w *Workspace) RequireReady(ctx context.Context) error {
	status, err := w.Status(ctx)
	if err != nil {
		return err
	}
	if status != storage.StatusReady {
		return fmt.Errorf("%w: index is being rebuilt (phase %d), run rebuild first", common.ErrInvalidState, status)
	}
	return nil
}

// Backend returns the configured backend, connecting on first use.
func (w *Workspace) Backend(ctx context.Context) (backend.Backend, error) {
	if w.be != nil {
		return w.be, nil
	}
	be, err := backend.FromIndex(ctx, w.Index.BunDB)
	if err != nil {
		return nil, err
	}
	w.be = be
	return be, nil
}

// Backup snapshots the root on top of the latest finished snapshot.
func (w *Workspace) Backup(ctx context.Context) (*storage.SnapshotModel, error) {
	if err := w.RequireReady(ctx); err != nil {
		return nil, err
	}
	var base *int64
	latest, err := w.Index.LatestSnapshot(ctx, storage.SnapshotReady)
	switch {
	case err == nil:
		base = &latest.Snapshot
	case !errors.Is(err, common.ErrSnapshotNotFound):
		return nil, err
	}
	snap, err := w.Snapshots.New(ctx, base)
	if err != nil {
		return nil, err
	}
	return w.Snapshots.Run(ctx, snap.Snapshot)
}

// Sync publishes local state to the backend.
func (w *Workspace) Sync(ctx context.Context) (*syncer.Report, error) {
	if err := w.RequireReady(ctx); err != nil {
		return nil, err
	}
	be, err := w.Backend(ctx)
	if err != nil {
		return nil, err
	}
	s := w.opts.Settings
	return syncer.New(w.Index.BunDB, w.Chunks, w.Snapshots, be, syncer.Options{
		Logger:            w.log,
		DescriptionFormat: s.DescriptionFormat,
		MaxUploadAttempts: s.MaxUploadAttempts,
		RetryAttempts:     s.Retry.Attempts,
		RetryDelay:        s.Retry.Delay,
	}).Run(ctx)
}

// Rebuild runs the remaining rebuild phases.
func (w *Workspace) Rebuild(ctx context.Context, snapshotID *int64) error {
	be, err := w.Backend(ctx)
	if err != nil {
		return err
	}
	s := w.opts.Settings
	return rebuild.New(w.Index.BunDB, w.Snapshots, be, rebuild.Options{
		Logger:        w.log,
		Snapshot:      snapshotID,
		RetryAttempts: s.Retry.Attempts,
		RetryDelay:    s.Retry.Delay,
	}).Run(ctx)
}

// Check runs the consistency checks.
func (w *Workspace) Check(ctx context.Context, opts dbcheck.Options) (*dbcheck.Report, error) {
	opts.Logger = w.log
	return dbcheck.Check(ctx, w.Index.BunDB, w.Chunks, opts)
}

// Restore writes a snapshot into target, fetching chunks from the backend
// when they are no longer local.
func (w *Workspace) Restore(ctx context.Context, id int64, target string, opts snapshot.RestoreOptions) error {
	be, err := w.Backend(ctx)
	if err != nil {
		return err
	}
	return w.Snapshots.Restore(ctx, id, be, target, opts)
}
