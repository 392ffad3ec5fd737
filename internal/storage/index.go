package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"chirri/internal/common"
	"chirri/internal/util"
)

// Index is the SQLite-backed local index of one backup root.
type Index struct {
	*BunDB
	path string
	db   *sql.DB
}

// OpenOptions controls how an existing index is opened.
type OpenOptions struct {
	// Upgrade runs pending schema migrations instead of failing with
	// ErrUpgradeRequired.
	Upgrade bool
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB) error {
	// Busy timeout first: journal_mode=WAL needs exclusive access.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", GetBusyTimeout())); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	// Safe against process crashes, which is what resumability needs.
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA cache_size = -8000"); err != nil {
		return fmt.Errorf("failed to set cache_size: %w", err)
	}
	return nil
}

// IndexPath returns the index file path inside a backup root.
func IndexPath(root string) string {
	return filepath.Join(root, common.IndexFileName)
}

// Create creates a new index file at path.
func Create(path string) (*Index, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("index %s: %w", path, common.ErrExists)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	// One connection: the index is owned by a single process and
	// transactions must see their own PRAGMAs.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		os.Remove(path)
		return nil, err
	}

	if err := execStatements(db, indexSchema); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := execStatements(db, initIndex,
		IndexType,
		strconv.Itoa(CurrentDBVersion),
		strconv.Itoa(StatusReady),
	); err != nil {
		db.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to initialize index: %w", err)
	}

	log.Debugf("[Index] created %s (db_version=%d)", path, CurrentDBVersion)
	return &Index{BunDB: NewBunDB(db), path: path, db: db}, nil
}

// Open opens an existing index file, checking its version.
func Open(path string, opts OpenOptions) (*Index, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("index %s: %w", path, common.ErrNotFound)
	}

	db, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}

	idx := &Index{BunDB: NewBunDB(db), path: path, db: db}
	ctx := context.Background()

	fileType, err := idx.GetSchemaInfo(ctx, "type")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read schema info: %w", err)
	}
	if fileType != IndexType {
		db.Close()
		return nil, fmt.Errorf("not an index file (type=%q)", fileType)
	}

	if err := idx.checkVersion(ctx, opts.Upgrade); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// checkVersion enforces db_version and optionally migrates older indexes.
func (idx *Index) checkVersion(ctx context.Context, upgrade bool) error {
	version, err := idx.GetInt(ctx, AttrDBVersion)
	if err != nil {
		return fmt.Errorf("failed to read db_version: %w", err)
	}
	switch {
	case version == CurrentDBVersion:
		return nil
	case version > CurrentDBVersion:
		return fmt.Errorf("%w: index is version %d, this build supports up to %d",
			common.ErrUnsupportedVersion, version, CurrentDBVersion)
	case !upgrade:
		return fmt.Errorf("%w: index is version %d, current is %d",
			common.ErrUpgradeRequired, version, CurrentDBVersion)
	}
	return idx.migrate(ctx, version)
}

// migrate applies every migration above from, then bumps db_version, all
// in one transaction.
func (idx *Index) migrate(ctx context.Context, from int64) error {
	return util.Retry(ctx, func() error {
		return idx.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			for _, m := range migrations {
				if m.version <= from {
					continue
				}
				log.Infof("[Index] migrating to version %d: %s", m.version, m.name)
				if err := m.apply(ctx, tx); err != nil {
					return fmt.Errorf("migration to version %d failed: %w", m.version, err)
				}
			}
			return idx.SetAttrWith(tx, ctx, AttrDBVersion, IntValue(CurrentDBVersion))
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// Close closes the database connection and cleans up WAL files.
// It performs a TRUNCATE checkpoint to merge WAL data into the main database,
// then removes the -wal and -shm files.
func (idx *Index) Close() error {
	if idx.db == nil {
		return nil
	}

	// PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	if err := execPragma(idx.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warnf("[Index] WAL checkpoint failed: %v", err)
	}

	if err := idx.db.Close(); err != nil {
		return err
	}
	idx.db = nil

	os.Remove(idx.path + "-wal")
	os.Remove(idx.path + "-shm")
	return nil
}

// Path returns the index file path
func (idx *Index) Path() string {
	return idx.path
}

// SQLDB returns the underlying *sql.DB
func (idx *Index) SQLDB() *sql.DB {
	return idx.db
}
