package registration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/testhelpers"
)

func TestRegisterSuccess(t *testing.T) {
	testhelpers.SetupLogger(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer identity-jwt", r.Header.Get("Authorization"))

		var req registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "citizen", req.TemplateID)

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Registration{UserID: "user-42", Email: "citizen@example.gov"})
	}))
	defer server.Close()

	client := NewClient(config.RegistrationConfig{URL: server.URL, TemplateID: "citizen"}, http.DefaultClient)

	created, err := client.Register(context.Background(), "identity-jwt")
	require.NoError(t, err)
	assert.Equal(t, "user-42", created.UserID)
	assert.Equal(t, "citizen@example.gov", created.Email)
}

func TestRegisterFailurePropagates(t *testing.T) {
	testhelpers.SetupLogger(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "template not permitted", http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(config.RegistrationConfig{URL: server.URL, TemplateID: "citizen"}, http.DefaultClient)

	_, err := client.Register(context.Background(), "identity-jwt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "template not permitted")
}
