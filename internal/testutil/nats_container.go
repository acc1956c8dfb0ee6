package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	natsOnce sync.Once
	natsURL  string
	natsErr  error
)

// GetNATSURL returns the client URL of a shared Testcontainers NATS
// instance with JetStream enabled. If the container cannot be started
// (e.g. Docker not available), tests are skipped.
func GetNATSURL(t *testing.T) string {
	t.Helper()

	natsOnce.Do(func() {
		natsURL, natsErr = startNATSContainer()
	})

	if natsErr != nil {
		t.Skipf("skipping NATS tests: %v", natsErr)
	}

	return natsURL
}

func startNATSContainer() (url string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("starting NATS testcontainer panicked: %v", r)
		}
	}()

	natsC, err := testcontainers.Run(
		ctx, "nats:2.10-alpine",
		testcontainers.WithCmd("-js"),
		testcontainers.WithExposedPorts("4222/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("4222/tcp"),
			wait.ForLog("Server is ready"),
		),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start NATS testcontainer: %w", err)
	}

	endpoint, err := natsC.Endpoint(ctx, "")
	if err != nil {
		_ = natsC.Terminate(context.Background())
		return "", fmt.Errorf("failed to get NATS container endpoint: %w", err)
	}

	return "nats://" + endpoint, nil
}
