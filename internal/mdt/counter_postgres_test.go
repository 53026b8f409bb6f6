package mdt

import (
	"database/sql"
	"errors"
	"testing"
)

func TestNewPostgresCounterBackendRequiresDSN(t *testing.T) {
	if _, err := NewPostgresCounterBackend("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestPostgresCounterBackendOpenFailureIsSticky(t *testing.T) {
	backend, err := NewPostgresCounterBackend("postgres://localhost/mdt")
	if err != nil {
		t.Fatalf("NewPostgresCounterBackend: %v", err)
	}
	opened := 0
	backend.openDB = func(driverName, dsn string) (*sql.DB, error) {
		opened++
		return nil, errors.New("connection refused")
	}

	if _, _, err := backend.Load("MDT"); err == nil {
		t.Fatalf("expected open failure to surface")
	}
	if err := backend.Save("MDT", 2); err == nil {
		t.Fatalf("expected open failure to surface on save")
	}
	if opened != 1 {
		t.Fatalf("open should run once, ran %d times", opened)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("Close with no db: %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier("mdt_counters"); got != `"mdt_counters"` {
		t.Fatalf("unexpected quoting %q", got)
	}
	if got := postgresQuoteIdentifier(`evil"name`); got != `"evil""name"` {
		t.Fatalf("unexpected quoting %q", got)
	}
}
