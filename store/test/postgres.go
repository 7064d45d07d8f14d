package test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

const (
	testDatabase = "agentmemory_test"
	testUser     = "testuser"
	testPassword = "testpassword"
)

// sharedPostgres is started once per test binary and reused by every
// postgres subtest. Tests truncate the tables they touch.
var sharedPostgres struct {
	once      sync.Once
	container *postgres.PostgresContainer
	dsn       string
	err       error
}

// GetPostgresDSN returns a DSN for postgres testing. POSTGRES_TEST_DSN wins
// when set; otherwise a postgres:16-alpine container is started. The test is
// skipped when no container runtime is reachable.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("POSTGRES_TEST_DSN"); dsn != "" {
		return dsn
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	sharedPostgres.once.Do(func() {
		ctx := context.Background()
		container, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase(testDatabase),
			postgres.WithUsername(testUser),
			postgres.WithPassword(testPassword),
			postgres.BasicWaitStrategies(),
		)
		if err != nil {
			sharedPostgres.err = err
			return
		}
		sharedPostgres.container = container
		sharedPostgres.dsn, sharedPostgres.err = container.ConnectionString(ctx, "sslmode=disable")
	})
	if sharedPostgres.err != nil {
		t.Fatalf("failed to start postgres container: %v", sharedPostgres.err)
	}
	return sharedPostgres.dsn
}

// TerminateContainers stops the shared postgres container, if one was started.
func TerminateContainers() {
	if sharedPostgres.container == nil {
		return
	}
	if err := sharedPostgres.container.Terminate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate postgres container: %v\n", err)
	}
}
