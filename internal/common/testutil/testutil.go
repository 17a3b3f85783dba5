// Package testutil starts the throwaway backends that store and sink tests
// run against.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/policygate/policygate/internal/common/database"
)

// Redis starts a miniredis server and a client pointed at it. Both are
// closed when the test ends.
func Redis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mini := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mini, client
}

// Postgres starts a disposable PostgreSQL container and returns a pool
// connected to it. The test is skipped when Docker is not available.
func Postgres(t *testing.T) *database.PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container in short mode")
	}
	// skips instead of letting the provider lookup panic without Docker
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Failed to start test container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Skipf("Failed to get container port: %v", err)
	}

	connString := "postgres://test:test@" + host + ":" + port.Port() + "/testdb?sslmode=disable"

	db, err := database.NewPostgres(ctx, connString)
	if err != nil {
		t.Skipf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}
