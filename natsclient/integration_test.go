//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startNATS runs a JetStream-enabled NATS server in a container.
func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestIntegration_ConnectPublishKV(t *testing.T) {
	url := startNATS(t)

	c, err := NewClient(url, WithMaxReconnects(0))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, c.Connect(ctx))
	defer c.Close(context.Background())

	assert.True(t, c.IsHealthy())
	require.NoError(t, c.Publish(ctx, "devices.test", []byte(`{}`)))
	require.NoError(t, c.Flush(ctx))

	kv, err := c.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "protogate_tenants"})
	require.NoError(t, err)
	rev, err := kv.Put(ctx, "net-1", []byte(`{"id":"net-1"}`))
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	again, err := c.KeyValue(ctx, jetstream.KeyValueConfig{Bucket: "protogate_tenants"})
	require.NoError(t, err)
	entry, err := again.Get(ctx, "net-1")
	require.NoError(t, err)
	assert.Equal(t, rev, entry.Revision())
}
