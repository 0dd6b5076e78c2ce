//go:build integration

package testhelpers

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/log"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/trustform/session-bridge/internal/config"
)

// RunValkeyContainer starts a Valkey container and returns cache
// configuration pointing at it. Cleanup is handled via t.Cleanup().
func RunValkeyContainer(t *testing.T) config.CacheConfig {
	t.Helper()
	ctx := context.Background()

	valkeyPort := "6379"
	valkeyProtocolPort := valkeyPort + "/tcp"

	password := rand.Text()

	req := testcontainers.ContainerRequest{
		Image: "valkey/valkey:9-alpine",
		Env: map[string]string{
			"VALKEY_EXTRA_FLAGS": "--requirepass " + password,
		},
		ExposedPorts: []string{valkeyProtocolPort},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections"),
			wait.ForListeningPort(nat.Port(valkeyProtocolPort)),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
		Logger:           log.TestLogger(t),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	port, err := container.MappedPort(ctx, nat.Port(valkeyPort))
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	return config.CacheConfig{
		Type: "valkey",
		Valkey: config.ValkeyConfig{
			Address:  host + ":" + port.Port(),
			Password: password,
			TLS:      false,
		},
	}
}
