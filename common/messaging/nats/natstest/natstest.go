// Package natstest starts a disposable JetStream-enabled NATS server for
// integration tests.
package natstest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/onai-academy/platform/common/messaging/nats"
)

const image = "nats:2.11-alpine"

// Start runs a NATS container and returns a connected JetStream client.
// The test is skipped with -short or when Docker is unavailable.
func Start(t *testing.T) *nats.JetStreamClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        image,
			Cmd:          []string{"-js"},
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.PortEndpoint(ctx, "4222/tcp", "nats")
	require.NoError(t, err)

	cfg := nats.DefaultConfig()
	cfg.URL = url
	cfg.MaxReconnects = 0
	client, err := nats.NewJetStreamClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
