package mdt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCounterTableName      = "mdt_counters"
	postgresCounterOperationLimit = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCounterBackend keeps the per-project high-water marks in a
// single Postgres table. It does not provide cross-process allocation
// locking; the single-owner assumption per project still holds.
type PostgresCounterBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCounterBackend(dsn string) (*PostgresCounterBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCounterBackend{
		dsn:       dsn,
		tableName: postgresCounterTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresCounterBackend) Load(projectCode string) (int, bool, error) {
	if err := b.ensureReady(); err != nil {
		return 0, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresCounterOperationLimit)
	defer cancel()

	query := fmt.Sprintf("SELECT next_seq FROM %s WHERE project_code = $1", postgresQuoteIdentifier(b.tableName))
	var next int
	err := b.db.QueryRowContext(ctx, query, projectCode).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if next < 1 {
		return 0, false, nil
	}
	return next, true, nil
}

func (b *PostgresCounterBackend) Save(projectCode string, next int) error {
	if strings.TrimSpace(projectCode) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresCounterOperationLimit)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (project_code, next_seq, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (project_code)
		DO UPDATE SET next_seq = EXCLUDED.next_seq, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, projectCode, next)
	return err
}

func (b *PostgresCounterBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresCounterBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresCounterOperationLimit)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				project_code TEXT PRIMARY KEY,
				next_seq INTEGER NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
