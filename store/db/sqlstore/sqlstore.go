// Package sqlstore implements store.Driver on database/sql. The sqlite and
// postgres drivers open the connection, apply their schema and hand it here
// together with their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/agentmemory/internal/profile"
)

// Dialect captures the SQL differences between the supported databases.
type Dialect struct {
	Name string
	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// ForUpdate and ForShare are appended to row-locking reads. SQLite takes
	// the database write lock when a transaction begins and leaves them empty.
	ForUpdate string
	ForShare  string
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type DB struct {
	db      *sql.DB
	dialect Dialect
	profile *profile.Profile
}

func New(db *sql.DB, dialect Dialect, profile *profile.Profile) *DB {
	return &DB{db: db, dialect: dialect, profile: profile}
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies schema, a sequence of idempotent statements separated by
// semicolons, in one transaction.
func (d *DB) Migrate(ctx context.Context, schema string) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stripComments(stmt)) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return errors.Wrapf(err, "failed to apply schema statement %q", strings.TrimSpace(stmt))
			}
		}
		return nil
	})
}

func stripComments(stmt string) string {
	lines := strings.Split(stmt, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), "--") {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// withTx runs fn in a transaction, committing when fn succeeds.
func (d *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

func (d *DB) placeholder(n int) string {
	return d.dialect.Placeholder(n)
}

func (d *DB) placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, d.placeholder(i+1))
	}
	return strings.Join(list, ", ")
}

// in appends values to args and returns the matching "(…)" list.
func (d *DB) in(args []any, values []string) (string, []any) {
	list := make([]string, len(values))
	for i, value := range values {
		args = append(args, value)
		list[i] = d.placeholder(len(args))
	}
	return "(" + strings.Join(list, ", ") + ")", args
}
