package actionqueue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

const sqliteBusyTimeoutMillis = 5000

var sqliteDialect = sqlDialect{
	name:       "sqlite",
	driverName: "sqlite",
	schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq INTEGER PRIMARY KEY AUTOINCREMENT,
					queue_key TEXT NOT NULL,
					id TEXT NOT NULL UNIQUE,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					enqueued_at INTEGER NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT ''
				)`, sqlQuoteIdentifier(table)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, seq)",
				sqlQuoteIdentifier(table+"_queue_key_seq_idx"), sqlQuoteIdentifier(table)),
		}
	},
	isQuotaError: func(err error) bool {
		var sqliteErr *msqlite.Error
		if !errors.As(err, &sqliteErr) {
			return false
		}
		return sqliteErr.Code()&0xff == sqlite3lib.SQLITE_FULL
	},
	configure: func(db *sql.DB) {
		// One connection keeps immediate transactions from contending inside
		// this process; other processes wait on busy_timeout.
		db.SetMaxOpenConns(1)
	},
}

// NewSQLiteStore opens an embedded database queue at path.
func NewSQLiteStore(path, queueKey string, opts Options) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_txlock=immediate", path, sqliteBusyTimeoutMillis)
	store, err := newSQLStore(sqliteDialect, dsn, queueKey, opts)
	if err != nil {
		return nil, err
	}
	if err := store.ensureReady(); err != nil {
		return nil, err
	}
	return store, nil
}
