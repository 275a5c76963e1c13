package bus_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/kiranshivaraju/tryonhub/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupNATS(t *testing.T) *bus.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	client, err := bus.Connect(fmt.Sprintf("nats://%s:%s", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestPublishSubscribeJSON(t *testing.T) {
	client := setupNATS(t)

	received := make(chan map[string]any, 1)
	var gotSubject string
	sub, err := client.SubscribeJSON("tryonhub.test.>", func(_ context.Context, subject string, data []byte) {
		var v map[string]any
		if json.Unmarshal(data, &v) == nil {
			gotSubject = subject
			received <- v
		}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, client.Conn().Flush())

	require.NoError(t, client.PublishJSON("tryonhub.test.user.7", map[string]any{"status": "completed"}))

	select {
	case v := <-received:
		assert.Equal(t, "completed", v["status"])
		assert.Equal(t, "tryonhub.test.user.7", gotSubject)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}

func TestPing(t *testing.T) {
	client := setupNATS(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, client.Ping(ctx))
}
