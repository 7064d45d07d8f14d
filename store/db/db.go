package db

import (
	"github.com/pkg/errors"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/db/memory"
	"github.com/hrygo/agentmemory/store/db/postgres"
	"github.com/hrygo/agentmemory/store/db/sqlite"
)

// NewDBDriver creates new db driver based on profile.
//
// memory keeps everything in process and is meant for tests and demos,
// sqlite suits a single node and postgres is the production backend.
func NewDBDriver(profile *profile.Profile) (store.Driver, error) {
	var driver store.Driver
	var err error

	switch profile.Driver {
	case "", "memory":
		driver, err = memory.NewDB(profile)
	case "sqlite":
		driver, err = sqlite.NewDB(profile)
	case "postgres":
		driver, err = postgres.NewDB(profile)
	default:
		return nil, errors.Errorf("unknown db driver: %s", profile.Driver)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to create db driver")
	}
	return driver, nil
}
