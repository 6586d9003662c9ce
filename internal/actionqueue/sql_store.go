package actionqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	sqlActionsTableName = "deskrelay_offline_actions"
	sqlDefaultQueueKey  = "default"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures the differences between the embedded and server
// databases. Queries are written with '?' placeholders and rebound;
// lockQuery, when set, serializes capacity checks across connections.
type sqlDialect struct {
	name         string
	driverName   string
	schema       func(table string) []string
	lockQuery    string
	positional   bool
	isQuotaError func(error) bool
	configure    func(db *sql.DB)
}

// SQLStore is the database-backed queue shared by the sqlite and postgres
// backends. Rows are ordered by an auto-incrementing sequence column.
type SQLStore struct {
	dialect   sqlDialect
	dsn       string
	tableName string
	queueKey  string
	opts      Options
	now       func() time.Time
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dialect sqlDialect, dsn, queueKey string, opts Options) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = sqlDefaultQueueKey
	}
	return &SQLStore{
		dialect:   dialect,
		dsn:       dsn,
		tableName: sqlActionsTableName,
		queueKey:  strings.TrimSpace(queueKey),
		opts:      opts.withDefaults(),
		now:       time.Now,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driverName, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.configure != nil {
			s.dialect.configure(db)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range s.dialect.schema(s.tableName) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%s: create action table: %w", s.dialect.name, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	action, err := newAction(kind, payload, s.now())
	if err != nil {
		return "", err
	}
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", s.classify(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if s.dialect.lockQuery != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.lockQuery, sqlQueueLockKey(s.tableName, s.queueKey)); err != nil {
			return "", s.classify(err)
		}
	}
	var depth int
	countQuery := s.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = ?", sqlQuoteIdentifier(s.tableName)))
	if err := tx.QueryRowContext(ctx, countQuery, s.queueKey).Scan(&depth); err != nil {
		return "", s.classify(err)
	}
	if depth >= s.opts.MaxActions {
		return "", quotaError("%d pending actions", depth)
	}
	insertQuery := s.rebind(fmt.Sprintf(
		"INSERT INTO %s (queue_key, id, kind, payload, enqueued_at, attempts, last_error) VALUES (?, ?, ?, ?, ?, 0, '')",
		sqlQuoteIdentifier(s.tableName),
	))
	if _, err := tx.ExecContext(ctx, insertQuery, s.queueKey, action.ID, action.Kind, string(action.Payload), action.EnqueuedAt); err != nil {
		return "", s.classify(err)
	}
	if err := tx.Commit(); err != nil {
		return "", s.classify(err)
	}
	committed = true
	return action.ID, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Action, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(
		"SELECT id, kind, payload, enqueued_at, attempts, last_error FROM %s WHERE queue_key = ? ORDER BY seq ASC",
		sqlQuoteIdentifier(s.tableName),
	))
	rows, err := s.db.QueryContext(ctx, query, s.queueKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]Action, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, action)
	}
	return items, rows.Err()
}

func (s *SQLStore) Remove(ctx context.Context, id string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf("DELETE FROM %s WHERE queue_key = ? AND id = ?", sqlQuoteIdentifier(s.tableName)))
	_, err := s.db.ExecContext(ctx, query, s.queueKey, strings.TrimSpace(id))
	return err
}

func (s *SQLStore) IncrementAttempts(ctx context.Context, id, lastErr string) (Action, error) {
	if err := s.ensureReady(); err != nil {
		return Action{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := s.rebind(fmt.Sprintf(`
		UPDATE %s SET attempts = attempts + 1, last_error = ?
		WHERE queue_key = ? AND id = ?
		RETURNING id, kind, payload, enqueued_at, attempts, last_error`, sqlQuoteIdentifier(s.tableName)))
	action, err := scanAction(s.db.QueryRowContext(ctx, query, truncateLastError(lastErr), s.queueKey, strings.TrimSpace(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, fmt.Errorf("%w: action %s", ErrNotFound, id)
	}
	if err != nil {
		return Action{}, s.classify(err)
	}
	return action, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if s.dialect.isQuotaError != nil && s.dialect.isQuotaError(err) {
		return fmt.Errorf("%w: %v", ErrStorageQuotaExceeded, err)
	}
	return err
}

func (s *SQLStore) rebind(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (Action, error) {
	var action Action
	var payload string
	if err := row.Scan(&action.ID, &action.Kind, &payload, &action.EnqueuedAt, &action.Attempts, &action.LastError); err != nil {
		return Action{}, err
	}
	action.Payload = json.RawMessage(payload)
	return action, nil
}

func sqlQuoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func sqlQueueLockKey(tableName, queueKey string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tableName))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(queueKey))
	return int64(h.Sum64())
}
