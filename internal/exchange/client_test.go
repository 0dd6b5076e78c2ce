package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/testhelpers"
)

// staticSigner returns a fixed assertion, capturing the claims it was asked
// to sign.
type staticSigner struct {
	assertion string
	claims    jwt.Claims
}

func (s *staticSigner) SignAssertion(_ context.Context, claims jwt.Claims) (string, error) {
	s.claims = claims
	return s.assertion, nil
}

func exchangeClient(t *testing.T, url string) (*Client, *staticSigner) {
	t.Helper()
	signer := &staticSigner{assertion: "signed-assertion"}
	client := NewClient(config.ExchangeConfig{
		URL:      url,
		ClientID: "session-bridge",
	}, signer, http.DefaultClient)
	return client, signer
}

func TestExchangeTokenSuccess(t *testing.T) {
	testhelpers.SetupLogger(t)
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer signed-assertion", r.Header.Get("Authorization"))

		var req exchangeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "identity-jwt", req.SubjectToken)

		json.NewEncoder(w).Encode(exchangeResponse{
			AccessToken: "internal-token",
			ExpiresAt:   expiry,
		})
	}))
	defer server.Close()

	client, signer := exchangeClient(t, server.URL)

	got, err := client.ExchangeToken(context.Background(), "identity-jwt")
	require.NoError(t, err)
	assert.Equal(t, "internal-token", got.Value)
	assert.True(t, expiry.Equal(got.ExpiresAt))

	// assertion claims identify the service principal to the endpoint
	registered, ok := signer.claims.(jwt.RegisteredClaims)
	require.True(t, ok)
	assert.Equal(t, "session-bridge", registered.Issuer)
	assert.Equal(t, "session-bridge", registered.Subject)
	assert.Equal(t, jwt.ClaimStrings{server.URL}, registered.Audience)
	assert.NotEmpty(t, registered.ID)
}

func TestExchangeTokenUserNotFound(t *testing.T) {
	testhelpers.SetupLogger(t)
	bodies := []string{
		`{"error":"User not found"}`,
		`{"error":"user does not exist in directory"}`,
		`Unknown User: svc-1`,
	}

	for _, body := range bodies {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, body, http.StatusNotFound)
		}))

		client, _ := exchangeClient(t, server.URL)
		_, err := client.ExchangeToken(context.Background(), "identity-jwt")
		assert.ErrorIs(t, err, ErrUserNotFound, "body %q", body)

		server.Close()
	}
}

func TestExchangeTokenOtherErrorsPropagate(t *testing.T) {
	testhelpers.SetupLogger(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal failure", http.StatusBadGateway)
	}))
	defer server.Close()

	client, _ := exchangeClient(t, server.URL)
	_, err := client.ExchangeToken(context.Background(), "identity-jwt")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUserNotFound)
	assert.Contains(t, err.Error(), "502")
}

func TestExchangeTokenRejectsEmptyAccessToken(t *testing.T) {
	testhelpers.SetupLogger(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(exchangeResponse{ExpiresAt: time.Now().Add(time.Hour)})
	}))
	defer server.Close()

	client, _ := exchangeClient(t, server.URL)
	_, err := client.ExchangeToken(context.Background(), "identity-jwt")
	assert.ErrorContains(t, err, "missing access token")
}

func TestExchangeTokenHonorsContext(t *testing.T) {
	testhelpers.SetupLogger(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client, _ := exchangeClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.ExchangeToken(ctx, "identity-jwt")
	assert.Error(t, err)
}
