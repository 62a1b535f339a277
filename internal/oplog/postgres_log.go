package oplog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/agentworkforce/contactsync/internal/store"
)

const (
	postgresLogTableName     = "contactsync_operation_log"
	postgresLogKey           = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresLog struct {
	dsn       string
	tableName string
	logKey    string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresLog(dsn string, capacity int) (*PostgresLog, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &PostgresLog{
		dsn:       dsn,
		tableName: postgresLogTableName,
		logKey:    postgresLogKey,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (l *PostgresLog) ensureReady() error {
	if l == nil {
		return ErrInvalidInput
	}
	l.initOnce.Do(func() {
		db, err := l.openDB("postgres", l.dsn)
		if err != nil {
			l.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				log_key TEXT NOT NULL,
				entry_id TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, store.QuoteIdentifier(l.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		indexName := l.tableName + "_log_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (log_key, id)",
			store.QuoteIdentifier(indexName),
			store.QuoteIdentifier(l.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			l.initErr = err
			return
		}
		l.db = db
	})
	return l.initErr
}

func (l *PostgresLog) Append(entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", store.LockKey(l.tableName, l.logKey)); err != nil {
		return err
	}
	var depth int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE log_key = $1", store.QuoteIdentifier(l.tableName))
	if err := tx.QueryRowContext(ctx, countQuery, l.logKey).Scan(&depth); err != nil {
		return err
	}
	if depth >= l.capacity {
		return ErrLogFull
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (log_key, entry_id, payload, created_at) VALUES ($1, $2, $3, $4)", store.QuoteIdentifier(l.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, l.logKey, entry.ID, string(entry.Payload), createdAt); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (l *PostgresLog) Entries() ([]Entry, error) {
	if err := l.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT entry_id, payload, created_at FROM %s WHERE log_key = $1 ORDER BY id ASC", store.QuoteIdentifier(l.tableName))
	rows, err := l.db.QueryContext(ctx, query, l.logKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			entry   Entry
			payload string
		)
		if err := rows.Scan(&entry.ID, &payload, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Payload = []byte(payload)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (l *PostgresLog) Remove(ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := l.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE log_key = $1 AND entry_id = ANY($2)", store.QuoteIdentifier(l.tableName))
	_, err := l.db.ExecContext(ctx, query, l.logKey, pq.Array(ids))
	return err
}

func (l *PostgresLog) Len() int {
	if err := l.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE log_key = $1", store.QuoteIdentifier(l.tableName))
	var depth int
	if err := l.db.QueryRowContext(ctx, query, l.logKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (l *PostgresLog) Capacity() int {
	if l == nil {
		return 0
	}
	return l.capacity
}

func (l *PostgresLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
