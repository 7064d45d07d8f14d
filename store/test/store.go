// Package test runs the store behaviour suite against every driver. Postgres
// uses POSTGRES_TEST_DSN when set and a throwaway container otherwise.
package test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/agentmemory/internal/profile"
	"github.com/hrygo/agentmemory/store"
	"github.com/hrygo/agentmemory/store/db"
)

// testEpoch is where every fake clock starts: 2026-01-02T03:04:05Z.
var testEpoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// testTables are truncated before each postgres test since the database is
// shared across runs.
var testTables = []string{"protocol_log", "conversation_term", "conversation_resource", "conversation", "resource_owner", "resource"}

type testingStore struct {
	*store.Store
	Clock *clockwork.FakeClock
}

// getDriversFromEnv lists the drivers under test. DRIVER narrows the set to
// one driver.
func getDriversFromEnv() []string {
	if driver := os.Getenv("DRIVER"); driver != "" {
		return []string{driver}
	}
	return []string{profile.DriverMemory, profile.DriverSQLite, profile.DriverPostgres}
}

// NewTestingStore opens a store on driver with a fake clock and an empty
// database.
func NewTestingStore(ctx context.Context, t *testing.T, driver string, tweak ...func(*profile.Profile)) *testingStore {
	t.Helper()

	p := &profile.Profile{
		Mode:   "dev",
		Driver: driver,
		Data:   t.TempDir(),
	}
	if driver == profile.DriverPostgres {
		p.DSN = GetPostgresDSN(t)
	}
	p.ApplyDefaults()
	for _, fn := range tweak {
		fn(p)
	}
	require.NoError(t, p.Validate())

	dbDriver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	if driver == profile.DriverPostgres {
		truncate(ctx, t, dbDriver)
	}

	fake := clockwork.NewFakeClockAt(testEpoch)
	s := store.New(dbDriver, p, store.WithClock(fake))
	t.Cleanup(func() {
		_ = s.Close()
	})
	return &testingStore{Store: s, Clock: fake}
}

func truncate(ctx context.Context, t *testing.T, driver store.Driver) {
	t.Helper()
	sqlDriver, ok := driver.(interface{ GetDB() *sql.DB })
	require.True(t, ok, "postgres driver must expose its database")
	for _, table := range testTables {
		_, err := sqlDriver.GetDB().ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
}

// runAll runs fn once per driver as a subtest.
func runAll(t *testing.T, fn func(t *testing.T, ctx context.Context, ts *testingStore)) {
	for _, driver := range getDriversFromEnv() {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			fn(t, ctx, NewTestingStore(ctx, t, driver))
		})
	}
}

func createTestingConversation(ctx context.Context, t *testing.T, ts *testingStore, creator string, mutate ...func(*store.Conversation)) *store.Conversation {
	t.Helper()
	create := &store.Conversation{
		CreatorID: creator,
		Title:     "untitled",
		Messages:  []store.Message{{Role: "user", Content: "hello"}},
	}
	for _, fn := range mutate {
		fn(create)
	}
	conversation, err := ts.CreateConversation(ctx, create)
	require.NoError(t, err)
	return conversation
}

func putTestingResource(ctx context.Context, t *testing.T, ts *testingStore, creator, content string) *store.Resource {
	t.Helper()
	resource, err := ts.PutResource(ctx, &store.Resource{
		CreatorID: creator,
		Blob:      []byte(content),
		Name:      "note.txt",
		MimeType:  "text/plain",
	})
	require.NoError(t, err)
	return resource
}

func ptr[T any](v T) *T {
	return &v
}
