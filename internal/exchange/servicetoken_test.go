package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/testhelpers"
)

func TestServiceTokenSourceDisabledWithoutURL(t *testing.T) {
	assert.Nil(t, NewServiceTokenSource(config.ExchangeConfig{}, nil))
}

func TestServiceTokenSourceIssuesAndCaches(t *testing.T) {
	testhelpers.SetupLogger(t)

	issued := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))

		issued++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "service-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	source := NewServiceTokenSource(config.ExchangeConfig{
		ClientID:            "session-bridge",
		ServiceClientSecret: "secret",
		ServiceTokenURL:     server.URL,
	}, nil)
	require.NotNil(t, source)

	ctx := context.Background()
	first, err := source.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "service-token", first.Value)

	second, err := source.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, issued, "valid token must be served from cache")
}

func TestServiceTokenSourceReissuesInsideBuffer(t *testing.T) {
	testhelpers.SetupLogger(t)

	issued := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issued++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "service-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer server.Close()

	source := NewServiceTokenSource(config.ExchangeConfig{
		ClientID:        "session-bridge",
		ServiceTokenURL: server.URL,
	}, nil)

	_, err := source.Token(context.Background())
	require.NoError(t, err)

	// move inside the expiry buffer: the cached token is no longer usable
	source.now = func() time.Time { return time.Now().Add(time.Hour) }

	_, err = source.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, issued)
}
