package observe_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trustform/session-bridge/internal/observe"
)

func TestRouteTag(t *testing.T) {
	cases := []struct {
		pattern string
		want    string
	}{
		{"GET /api/session", "/api/session"},
		{"POST /signout", "/signout"},
		{"/healthcheck", "/healthcheck"},
		{"NOTAMETHOD /path", "NOTAMETHOD /path"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, observe.RouteTag(tc.pattern))
	}
}

func TestMuxRoutes(t *testing.T) {
	inner := http.NewServeMux()
	mux := observe.NewMux(inner)

	called := false
	mux.Handle("GET /api/session", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}
