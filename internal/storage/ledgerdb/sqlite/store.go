// Package sqlite implements ledgerdb.Store on modernc.org/sqlite. It is
// the development and test deployment; postgres is the production pair.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/tidewallet/ledgerd/internal/storage/ledgerdb"
)

// executor lets queries run on either the pool or an open transaction.
type executor interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Store is the sqlite-backed ledgerdb.Store.
type Store struct {
	db  *sql.DB
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ ledgerdb.Store = (*Store)(nil)

// memSeq distinguishes in-memory databases so every Open(":memory:")
// gets a private database that still survives pool reconnects.
var memSeq atomic.Int64

// Open opens (or creates) the database at path and initializes the
// schema. ":memory:" opens a private in-memory database.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	dsn := path
	if path == ":memory:" {
		dsn = fmt.Sprintf("file:ledgerdbmem%d?mode=memory&cache=shared", memSeq.Add(1))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, ledgerdb.NewConnectionError("open", "open sqlite database", err)
	}
	// sqlite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY churn and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, log: log.Named("sqlite")}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, `
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = NORMAL;
		PRAGMA busy_timeout = 5000;
		PRAGMA foreign_keys = ON;
	`); err != nil {
		_ = db.Close()
		return nil, ledgerdb.NewConnectionError("open", "configure sqlite pragmas", err)
	}
	if err := s.db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ledgerdb.NewConnectionError("open", "ping sqlite database", err)
	}
	if err := s.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init creates the schema when missing. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return ledgerdb.NewQueryError("init", "create schema", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	if err := s.db.PingContext(ctx); err != nil {
		return ledgerdb.NewConnectionError("ping", "ping database", err)
	}
	return nil
}

// Close shuts the store down. Subsequent calls fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ledgerdb.ErrClosed
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledgerdb.NewTransactionError(op, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return ledgerdb.NewTransactionError(op, "commit transaction", err)
	}
	return nil
}

// Timestamps are stored as integer unix nanoseconds so that
// (created_at, id) ordering is exact.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
