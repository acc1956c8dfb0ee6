package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	postgresOnce sync.Once
	postgresDSN  string
	postgresErr  error
)

// GetPostgresDSN returns the DSN of a shared Testcontainers Postgres
// instance. If the container cannot be started (e.g. Docker not
// available), tests are skipped.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()

	postgresOnce.Do(func() {
		postgresDSN, postgresErr = startPostgresContainer()
	})

	if postgresErr != nil {
		t.Skipf("skipping Postgres tests: %v", postgresErr)
	}

	return postgresDSN
}

func startPostgresContainer() (dsn string, err error) {
	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting Postgres testcontainer panicked: %v", r)
		}
	}()

	postgresC, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				// Container is listening
				wait.ForListeningPort("5432/tcp"),
				// Postgres reports readiness in logs
				wait.ForLog("ready to accept connections"),
				// Actively verify SQL connectivity with a simple query
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://belt:belt@%s:%s/belt_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "belt",
			"POSTGRES_PASSWORD": "belt",
			"POSTGRES_DB":       "belt_test",
		}),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start Postgres testcontainer: %w", err)
	}

	endpoint, err := postgresC.Endpoint(ctx, "")
	if err != nil {
		_ = postgresC.Terminate(context.Background())
		return "", fmt.Errorf("failed to get Postgres container endpoint: %w", err)
	}

	return fmt.Sprintf("postgres://belt:belt@%s/belt_test?sslmode=disable", endpoint), nil
}
