package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/db/sqlstore"
)

//go:embed migration/LATEST.sql
var latestSchema string

var dialect = sqlstore.Dialect{
	Name:        profile.DriverPostgres,
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	ForUpdate:   " FOR UPDATE",
	ForShare:    " FOR SHARE",
}

type DB struct {
	*sqlstore.DB
}

func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile == nil {
		return nil, errors.New("profile is nil")
	}

	db, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(2 * time.Hour)
	db.SetConnMaxIdleTime(15 * time.Minute)

	if err := db.Ping(); err != nil {
		slog.Error("failed to ping database", "error", err)
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	driver := &DB{DB: sqlstore.New(db, dialect, profile)}
	if err := driver.Migrate(context.Background(), latestSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to apply postgres schema")
	}
	return driver, nil
}
