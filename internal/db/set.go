package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/ChuLiYu/update-daemon/internal/config"
	"github.com/ChuLiYu/update-daemon/pkg/types"
)

// Opener opens one named connection. Open is the production opener; tests
// wrap it to count reconnects or inject failures.
type Opener func(name string, cfg config.DBConfig) (*Conn, error)

// Set is the named set of connections owned by one daemon instance.
// It is not safe for concurrent use; the daemon drives it from a single goroutine.
type Set struct {
	cfgs  map[string]config.DBConfig
	names []string
	open  Opener
	conns map[string]*Conn
	log   *slog.Logger
}

// NewSet opens every configured connection. A nil opener means Open.
func NewSet(cfgs map[string]config.DBConfig, open Opener, logger *slog.Logger) (*Set, error) {
	if open == nil {
		open = Open
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{open: open, log: logger, conns: make(map[string]*Conn)}
	s.configure(cfgs)
	if err := s.set(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Set) configure(cfgs map[string]config.DBConfig) {
	s.cfgs = cfgs
	s.names = s.names[:0]
	for name := range cfgs {
		s.names = append(s.names, name)
	}
	sort.Strings(s.names)
}

func (s *Set) set() error {
	for _, name := range s.names {
		conn, err := s.open(name, s.cfgs[name])
		if err != nil {
			return fmt.Errorf("failed to open connection %s: %w", name, err)
		}
		s.conns[name] = conn
	}
	return nil
}

// Names returns the configured connection names in sorted order.
func (s *Set) Names() []string {
	return append([]string(nil), s.names...)
}

// Conn returns the named connection.
func (s *Set) Conn(name string) (*Conn, error) {
	c, ok := s.conns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoConnection, name)
	}
	return c, nil
}

// Flush commits every connection.
func (s *Set) Flush() error {
	var errs []error
	for _, name := range s.names {
		if c, ok := s.conns[name]; ok {
			if err := c.Commit(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// ClearParams forgets the last attempted statement on every connection.
func (s *Set) ClearParams() {
	for _, c := range s.conns {
		c.ClearParams()
	}
}

// Empty clears parameters and commits every connection.
func (s *Set) Empty() error {
	s.ClearParams()
	return s.Flush()
}

// Close closes every connection it can; failures are logged and skipped.
func (s *Set) Close() {
	for name, c := range s.conns {
		if err := c.Close(); err != nil {
			s.log.Warn("failed to close database connection", "connection", name, "error", err)
		}
	}
	s.conns = make(map[string]*Conn)
}

// Reset closes every connection and opens fresh ones, discarding
// uncommitted work.
func (s *Set) Reset() error {
	s.Close()
	return s.set()
}

// Diagnostics returns the last attempted statement of every connection that has one.
func (s *Set) Diagnostics() []types.QueryContext {
	var out []types.QueryContext
	for _, name := range s.names {
		c, ok := s.conns[name]
		if !ok {
			continue
		}
		if qc, ok := c.LastQuery(); ok {
			out = append(out, qc)
		}
	}
	return out
}

// ============================================================================
// Status rows
// ============================================================================

// IndexRef addresses the name/value table holding status rows.
type IndexRef struct {
	Connection string
	Table      string
}

// EnsureIndexTable creates the status table if it does not exist and commits.
func (s *Set) EnsureIndexTable(ctx context.Context, ref IndexRef) error {
	c, err := s.Conn(ref.Connection)
	if err != nil {
		return err
	}
	if !identRe.MatchString(ref.Table) {
		return fmt.Errorf("db: invalid identifier %q", ref.Table)
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY, value INTEGER NOT NULL)", ref.Table)
	if _, err := c.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to create %s: %w", ref.Table, err)
	}
	return c.Commit()
}

// SetIndex writes value under name, inserting the row if it is missing.
// The write is part of the connection's open transaction.
func (s *Set) SetIndex(ctx context.Context, ref IndexRef, name string, value int64) error {
	c, err := s.Conn(ref.Connection)
	if err != nil {
		return err
	}
	n, err := c.Table(ref.Table).Set("value", value).Where("name", name).Update(ctx)
	if err != nil {
		return fmt.Errorf("failed to update %s.%s: %w", ref.Table, name, err)
	}
	if n > 0 {
		return nil
	}
	if err := c.Table(ref.Table).Set("name", name).Set("value", value).Insert(ctx); err != nil {
		return fmt.Errorf("failed to insert %s.%s: %w", ref.Table, name, err)
	}
	return nil
}

// GetIndex reads the value stored under name. ok is false when the row is missing.
func (s *Set) GetIndex(ctx context.Context, ref IndexRef, name string) (value int64, ok bool, err error) {
	c, err := s.Conn(ref.Connection)
	if err != nil {
		return 0, false, err
	}
	err = c.Table(ref.Table).Fields("value").Where("name", name).Scan(ctx, &value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}
