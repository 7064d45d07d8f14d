package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/db/sqlstore"
)

//go:embed migration/LATEST.sql
var latestSchema string

// pragmas are applied to every pooled connection. _txlock=immediate makes
// BEGIN take the write lock, so reads inside a transaction see a stable
// snapshot until commit.
var pragmas = []string{
	"busy_timeout(5000)",
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(0)",
	"temp_store(MEMORY)",
}

var dialect = sqlstore.Dialect{
	Name:        profile.DriverSQLite,
	Placeholder: func(int) string { return "?" },
}

type DB struct {
	*sqlstore.DB
}

// NewDB opens the SQLite database at profile.DSN and applies the schema.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	db, err := sql.Open("sqlite", dsnWithPragmas(profile.DSN))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	// A single writer connection serializes transactions and avoids
	// SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	driver := &DB{DB: sqlstore.New(db, dialect, profile)}
	if err := driver.Migrate(context.Background(), latestSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply sqlite schema")
	}
	return driver, nil
}

func dsnWithPragmas(dsn string) string {
	params := url.Values{}
	for _, pragma := range pragmas {
		params.Add("_pragma", pragma)
	}
	params.Set("_txlock", "immediate")
	separator := "?"
	if strings.Contains(dsn, "?") {
		separator = "&"
	}
	return "file:" + strings.TrimPrefix(dsn, "file:") + separator + params.Encode()
}
