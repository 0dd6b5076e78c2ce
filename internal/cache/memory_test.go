package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustform/session-bridge/internal/token"
)

func TestMemorySetAndGet(t *testing.T) {
	m, err := NewMemory[token.Token](time.Minute, 100)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	expected := token.New("cached-value", time.Now().Add(time.Hour))

	require.NoError(t, m.Set(ctx, "user-1", expected))

	got, found, err := m.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, expected, got)
}

func TestMemoryGetMissing(t *testing.T) {
	m, err := NewMemory[token.Token](time.Minute, 100)
	require.NoError(t, err)
	defer m.Close()

	got, found, err := m.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, token.Token{}, got)
}

func TestMemoryInvalidate(t *testing.T) {
	m, err := NewMemory[token.Token](time.Minute, 100)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.Set(ctx, "user-1", token.New("v", time.Now().Add(time.Hour))))
	require.NoError(t, m.Invalidate(ctx, "user-1"))

	_, found, err := m.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemorySetWithTTLStoresValue(t *testing.T) {
	m, err := NewMemory[token.Token](time.Minute, 100)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()
	require.NoError(t, m.SetWithTTL(ctx, "user-1", token.New("v", time.Now().Add(time.Hour)), time.Second))

	_, found, err := m.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, found)
}
