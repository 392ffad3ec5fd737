package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/uptrace/bun"
)

// CurrentDBVersion is the db_version written by Create and reached by Upgrade.
const CurrentDBVersion = 3

// IndexType is stored in schema_info to recognise index files.
const IndexType = "chirri-index"

// Default busy_timeout in milliseconds (30 seconds)
const DefaultBusyTimeout = 30000

// EnvBusyTimeout overrides the busy_timeout for every index connection.
const EnvBusyTimeout = "CHIRRI_BUSY_TIMEOUT"

var configBusyTimeout int

// SetConfigBusyTimeout sets the settings-file busy_timeout.
// Values of 0 are ignored (use env var or default).
func SetConfigBusyTimeout(timeout int) {
	configBusyTimeout = timeout
}

// GetBusyTimeout returns the busy_timeout value.
// Priority: env > config file > default
func GetBusyTimeout() int {
	if val := os.Getenv(EnvBusyTimeout); val != "" {
		if timeout, err := strconv.Atoi(val); err == nil && timeout > 0 {
			return timeout
		}
	}
	if configBusyTimeout > 0 {
		return configBusyTimeout
	}
	return DefaultBusyTimeout
}

// BuildDSN builds the SQLite DSN for an index file.
func BuildDSN(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d", path, GetBusyTimeout())
}

// Schema SQL for the index file
const indexSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

-- Typed key/value attributes. save=1 rows are exported into config backups.
CREATE TABLE IF NOT EXISTS status (
    key TEXT PRIMARY KEY,
    save INTEGER NOT NULL DEFAULT 0,
    type TEXT NOT NULL CHECK (type IN ('int', 'str', 'bool')),
    value TEXT
);

-- Chunks: one row per distinct content
CREATE TABLE IF NOT EXISTS file_data (
    hash TEXT NOT NULL,
    size INTEGER NOT NULL,
    csize INTEGER NOT NULL,
    first_seen_as TEXT,
    status INTEGER NOT NULL DEFAULT 0,
    refcount INTEGER NOT NULL DEFAULT 0 CHECK (refcount >= 0),
    compression TEXT,
    PRIMARY KEY (hash, size)
);

CREATE INDEX IF NOT EXISTS idx_file_data_status ON file_data(status);

-- Per snapshot file metadata
CREATE TABLE IF NOT EXISTS file_ref (
    snapshot INTEGER NOT NULL,
    path TEXT NOT NULL,
    hash TEXT,
    size INTEGER NOT NULL DEFAULT 0,
    perm INTEGER NOT NULL DEFAULT 0,
    uid INTEGER NOT NULL DEFAULT 0,
    gid INTEGER NOT NULL DEFAULT 0,
    mtime INTEGER NOT NULL DEFAULT 0,
    status INTEGER,
    PRIMARY KEY (snapshot, path)
);

CREATE INDEX IF NOT EXISTS idx_file_ref_hash ON file_ref(hash);

CREATE TABLE IF NOT EXISTS snapshots (
    snapshot INTEGER PRIMARY KEY,
    status INTEGER NOT NULL,
    started_tstamp INTEGER,
    finished_tstamp INTEGER,
    signed_tstamp INTEGER,
    compression TEXT,
    deleted INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS excludes (
    exclude_id INTEGER PRIMARY KEY,
    exclude TEXT NOT NULL,
    expr_type INTEGER NOT NULL DEFAULT 0,
    ignore_case INTEGER NOT NULL DEFAULT 0,
    disabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS config_backups (
    config_id INTEGER PRIMARY KEY,
    config TEXT NOT NULL,
    status INTEGER NOT NULL DEFAULT 0,
    tstamp INTEGER NOT NULL,
    deleted INTEGER NOT NULL DEFAULT 0
);
`

const initIndex = `
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('type', ?);
INSERT OR IGNORE INTO schema_info (key, value) VALUES ('created_at', datetime('now'));

INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('db_version', 0, 'int', ?);
INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('status', 0, 'int', ?);
INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('last_snapshot_id', 0, 'int', '0');
INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('last_exclude_id', 0, 'int', '0');
INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('last_config_id', 0, 'int', '0');
INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('rebuild_snapshot', 0, 'int', NULL);
INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('storage_type', 1, 'str', NULL);
INSERT OR IGNORE INTO status (key, save, type, value) VALUES ('compression', 1, 'str', NULL);
`

// migration moves an index from version-1 to version.
type migration struct {
	version int64
	name    string
	apply   func(ctx context.Context, tx bun.Tx) error
}

// migrations are ordered and each one is safe to run twice.
var migrations = []migration{
	{
		version: 2,
		name:    "add snapshots.compression",
		apply: func(ctx context.Context, tx bun.Tx) error {
			has, err := hasColumn(ctx, tx, "snapshots", "compression")
			if err != nil || has {
				return err
			}
			_, err = tx.NewRaw(`ALTER TABLE snapshots ADD COLUMN compression TEXT`).Exec(ctx)
			return err
		},
	},
	{
		version: 3,
		name:    "renumber uploaded chunk status, index file_ref.hash",
		apply: func(ctx context.Context, tx bun.Tx) error {
			if _, err := tx.NewRaw(`UPDATE file_data SET status = 2 WHERE status = 3`).Exec(ctx); err != nil {
				return err
			}
			_, err := tx.NewRaw(`CREATE INDEX IF NOT EXISTS idx_file_ref_hash ON file_ref(hash)`).Exec(ctx)
			return err
		},
	},
}

// hasColumn reports whether table has the named column.
func hasColumn(ctx context.Context, idb bun.IDB, table, column string) (bool, error) {
	var names []string
	err := idb.NewRaw(`SELECT name FROM pragma_table_info(?)`, table).Scan(ctx, &names)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if name == column {
			return true, nil
		}
	}
	return false, nil
}

// execStatements executes multiple SQL statements separated by semicolons.
// libsql driver doesn't support multi-statement Exec, so we split and execute individually.
func execStatements(db *sql.DB, sqlScript string, args ...interface{}) error {
	statements := splitStatements(sqlScript)
	argIdx := 0
	for _, stmt := range statements {
		placeholders := strings.Count(stmt, "?")
		stmtArgs := args[argIdx : argIdx+placeholders]
		argIdx += placeholders
		if _, err := db.Exec(stmt, stmtArgs...); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// splitStatements splits a SQL script into individual statements
func splitStatements(script string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		// Skip comments and empty lines
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			statements = append(statements, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// SchemaProblems lists structural defects of the index that the
// migration steps repair.
func (db *BunDB) SchemaProblems(ctx context.Context) ([]string, error) {
	var problems []string
	has, err := hasColumn(ctx, db.DB, "snapshots", "compression")
	if err != nil {
		return nil, err
	}
	if !has {
		problems = append(problems, "missing column snapshots.compression")
	}
	var names []string
	err = db.NewRaw(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = ?`, "idx_file_ref_hash").
		Scan(ctx, &names)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		problems = append(problems, "missing index idx_file_ref_hash")
	}
	return problems, nil
}

// RepairSchema re-applies every migration step in one transaction.
func (db *BunDB) RepairSchema(ctx context.Context) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, m := range migrations {
			if err := m.apply(ctx, tx); err != nil {
				return fmt.Errorf("%s: %w", m.name, err)
			}
			log.Debugf("[Index] re-applied %q", m.name)
		}
		return nil
	})
}
