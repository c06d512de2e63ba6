package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type assignment struct {
	col string
	val any
}

// Query is a minimal statement builder:
//
//	conn.Table("indices").Set("value", 1).Where("name", "eti_up").Update(ctx)
//
// Limit applies to selects only.
type Query struct {
	conn   *Conn
	table  string
	sets   []assignment
	wheres []assignment
	fields []string
	limit  int
}

func (q *Query) Set(col string, val any) *Query {
	q.sets = append(q.sets, assignment{col, val})
	return q
}

func (q *Query) Where(col string, val any) *Query {
	q.wheres = append(q.wheres, assignment{col, val})
	return q
}

func (q *Query) Fields(cols ...string) *Query {
	q.fields = append(q.fields, cols...)
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) check() error {
	idents := []string{q.table}
	for _, a := range q.sets {
		idents = append(idents, a.col)
	}
	for _, a := range q.wheres {
		idents = append(idents, a.col)
	}
	idents = append(idents, q.fields...)
	for _, id := range idents {
		if !identRe.MatchString(id) {
			return fmt.Errorf("db: invalid identifier %q", id)
		}
	}
	return nil
}

func (q *Query) where() (string, []any) {
	if len(q.wheres) == 0 {
		return "", nil
	}
	parts := make([]string, len(q.wheres))
	args := make([]any, len(q.wheres))
	for i, a := range q.wheres {
		parts[i] = a.col + " = ?"
		args[i] = a.val
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// UpdateSQL renders the UPDATE statement and its arguments.
func (q *Query) UpdateSQL() (string, []any) {
	sets := make([]string, len(q.sets))
	args := make([]any, 0, len(q.sets)+len(q.wheres))
	for i, a := range q.sets {
		sets[i] = a.col + " = ?"
		args = append(args, a.val)
	}
	where, wargs := q.where()
	return fmt.Sprintf("UPDATE %s SET %s%s", q.table, strings.Join(sets, ", "), where), append(args, wargs...)
}

// InsertSQL renders the INSERT statement from the Set assignments.
func (q *Query) InsertSQL() (string, []any) {
	cols := make([]string, len(q.sets))
	marks := make([]string, len(q.sets))
	args := make([]any, len(q.sets))
	for i, a := range q.sets {
		cols[i] = a.col
		marks[i] = "?"
		args[i] = a.val
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", q.table, strings.Join(cols, ", "), strings.Join(marks, ", ")), args
}

// SelectSQL renders the SELECT statement.
func (q *Query) SelectSQL() (string, []any) {
	fields := "*"
	if len(q.fields) > 0 {
		fields = strings.Join(q.fields, ", ")
	}
	where, args := q.where()
	s := fmt.Sprintf("SELECT %s FROM %s%s", fields, q.table, where)
	if q.limit > 0 {
		s += fmt.Sprintf(" LIMIT %d", q.limit)
	}
	return s, args
}

// Update executes the UPDATE and returns the number of affected rows.
func (q *Query) Update(ctx context.Context) (int64, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	if len(q.sets) == 0 {
		return 0, errors.New("db: update without Set")
	}
	query, args := q.UpdateSQL()
	res, err := q.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Insert executes the INSERT.
func (q *Query) Insert(ctx context.Context) error {
	if err := q.check(); err != nil {
		return err
	}
	if len(q.sets) == 0 {
		return errors.New("db: insert without Set")
	}
	query, args := q.InsertSQL()
	_, err := q.conn.Exec(ctx, query, args...)
	return err
}

// Scan runs the SELECT limited to one row and scans it into dest.
// sql.ErrNoRows is returned unchanged when nothing matches.
func (q *Query) Scan(ctx context.Context, dest ...any) error {
	if err := q.check(); err != nil {
		return err
	}
	q.limit = 1
	query, args := q.SelectSQL()
	row, err := q.conn.QueryRow(ctx, query, args...)
	if err != nil {
		return err
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("db %s: scan: %w", q.conn.name, err)
	}
	return nil
}
