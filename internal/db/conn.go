// ============================================================================
// update-daemon DB - transactional connection handle
// ============================================================================
//
// Package: internal/db
// File: conn.go
// Purpose: One named database connection owned by a daemon instance.
//
// Transaction model:
//   Every statement runs inside a lazily started transaction. Commit() ends it;
//   Close() rolls back whatever was not committed. The pipeline commits after
//   each successful action and resets (close + reopen) after any failure, so
//   an action either lands completely or not at all.
//
// Diagnostics:
//   The last attempted statement and its bound parameters are remembered until
//   ClearParams() so failure reports can show what the action was doing.
//
// ============================================================================

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/update-daemon/internal/config"
	"github.com/ChuLiYu/update-daemon/pkg/types"
	_ "modernc.org/sqlite"
)

var (
	// ErrNoConnection is returned when a named connection is not configured.
	ErrNoConnection = errors.New("db: no such connection")
	// ErrClosed is returned by statements issued on a closed handle.
	ErrClosed = errors.New("db: connection closed")
)

// Conn is a named, transactional database handle.
type Conn struct {
	name string
	db   *sql.DB
	tx   *sql.Tx

	lastQuery  string
	lastParams []any
}

// Open connects according to cfg. For sqlite, cfg.Name is the database file.
func Open(name string, cfg config.DBConfig) (*Conn, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = config.DefaultDriver
	}

	db, err := sql.Open(driver, dsn(driver, cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", name, err)
	}
	// one writer per handle; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", name, err)
	}

	if driver == "sqlite" {
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure database %s: %w", name, err)
		}
	}

	return &Conn{name: name, db: db}, nil
}

func dsn(driver string, cfg config.DBConfig) string {
	if driver == "sqlite" || cfg.Username == "" {
		return cfg.Name
	}
	return fmt.Sprintf("%s:%s@/%s", cfg.Username, cfg.Password, cfg.Name)
}

// Name returns the connection name from the DB config section.
func (c *Conn) Name() string { return c.name }

func (c *Conn) begin(ctx context.Context) (*sql.Tx, error) {
	if c.db == nil {
		return nil, ErrClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db %s: begin: %w", c.name, err)
	}
	c.tx = tx
	return tx, nil
}

func (c *Conn) record(query string, args []any) {
	c.lastQuery = query
	c.lastParams = append([]any(nil), args...)
}

// Exec runs a statement inside the current transaction.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	c.record(query, args)
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.ExecContext(ctx, query, args...)
}

// QueryRow runs a single-row query inside the current transaction.
func (c *Conn) QueryRow(ctx context.Context, query string, args ...any) (*sql.Row, error) {
	c.record(query, args)
	tx, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx.QueryRowContext(ctx, query, args...), nil
}

// Table starts a query against table.
func (c *Conn) Table(name string) *Query {
	return &Query{conn: c, table: name}
}

// Commit commits the open transaction, if any.
func (c *Conn) Commit() error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db %s: commit: %w", c.name, err)
	}
	return nil
}

// ClearParams forgets the last attempted statement.
func (c *Conn) ClearParams() {
	c.lastQuery = ""
	c.lastParams = nil
}

// LastQuery returns the last attempted statement with its non-nil parameters.
func (c *Conn) LastQuery() (types.QueryContext, bool) {
	if c.lastQuery == "" {
		return types.QueryContext{}, false
	}
	qc := types.QueryContext{Connection: c.name, Query: c.lastQuery}
	for _, p := range c.lastParams {
		if p != nil {
			qc.Params = append(qc.Params, p)
		}
	}
	return qc, true
}

// Close rolls back uncommitted work and closes the handle.
func (c *Conn) Close() error {
	if c.db == nil {
		return nil
	}
	var errs []error
	if c.tx != nil {
		if err := c.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, err)
		}
		c.tx = nil
	}
	if err := c.db.Close(); err != nil {
		errs = append(errs, err)
	}
	c.db = nil
	return errors.Join(errs...)
}
