package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustform/session-bridge/internal/encryption"
)

func TestNoEncryptionStrategyPassThrough(t *testing.T) {
	s := &NoEncryptionStrategy{}
	ctx := context.Background()

	out, err := s.EncryptValue(ctx, []byte("plain"), "key")
	require.NoError(t, err)
	assert.Equal(t, "plain", out)

	back, err := s.DecryptValue(ctx, out, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), back)

	assert.Equal(t, "key", s.StorageKey("key"))
	assert.NoError(t, s.Close())
}

func TestTinkEncryptionStrategyRoundTrip(t *testing.T) {
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	s := NewTinkEncryptionStrategy(aead)
	ctx := context.Background()

	out, err := s.EncryptValue(ctx, []byte(`{"token":"secret"}`), "session:obo:user-1")
	require.NoError(t, err)
	assert.Contains(t, out, valuePrefix)

	back, err := s.DecryptValue(ctx, out, "session:obo:user-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"token":"secret"}`), back)
}

func TestTinkEncryptionStrategyKeyBinding(t *testing.T) {
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	s := NewTinkEncryptionStrategy(aead)
	ctx := context.Background()

	out, err := s.EncryptValue(ctx, []byte("secret"), "session:obo:user-1")
	require.NoError(t, err)

	// a value moved to another user's key must not decrypt
	_, err = s.DecryptValue(ctx, out, "session:obo:user-2")
	assert.Error(t, err)
}

func TestTinkEncryptionStrategyRejectsUnprefixedValue(t *testing.T) {
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	s := NewTinkEncryptionStrategy(aead)

	_, err = s.DecryptValue(context.Background(), "plaintext-entry", "key")
	assert.ErrorContains(t, err, "prefix")
}

func TestTinkEncryptionStrategyStorageKey(t *testing.T) {
	aead, err := encryption.NewTestAEAD()
	require.NoError(t, err)

	s := NewTinkEncryptionStrategy(aead)
	assert.Equal(t, "enc:session:obo:user-1", s.StorageKey("session:obo:user-1"))
}
