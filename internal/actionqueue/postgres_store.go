package actionqueue

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const (
	pqDiskFull              = pq.ErrorCode("53100")
	pqProgramLimitExceeded  = pq.ErrorCode("54000")
	pqInsufficientResources = pq.ErrorCode("53000")
)

var postgresDialect = sqlDialect{
	name:       "postgres",
	driverName: "postgres",
	schema: func(table string) []string {
		return []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					seq BIGSERIAL PRIMARY KEY,
					queue_key TEXT NOT NULL,
					id TEXT NOT NULL UNIQUE,
					kind TEXT NOT NULL,
					payload TEXT NOT NULL,
					enqueued_at BIGINT NOT NULL,
					attempts INTEGER NOT NULL DEFAULT 0,
					last_error TEXT NOT NULL DEFAULT ''
				)`, sqlQuoteIdentifier(table)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, seq)",
				sqlQuoteIdentifier(table+"_queue_key_seq_idx"), sqlQuoteIdentifier(table)),
		}
	},
	lockQuery:  "SELECT pg_advisory_xact_lock($1)",
	positional: true,
	isQuotaError: func(err error) bool {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) {
			return false
		}
		switch pqErr.Code {
		case pqDiskFull, pqProgramLimitExceeded, pqInsufficientResources:
			return true
		}
		return false
	},
}

// NewPostgresStore returns a queue stored in a postgres table. The connection
// and table are created lazily on first use.
func NewPostgresStore(dsn, queueKey string, opts Options) (*SQLStore, error) {
	return newSQLStore(postgresDialect, dsn, queueKey, opts)
}
