package session

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/token"
)

// UnauthorizedBody is the JSON payload returned to API-style callers when a
// session ends. Browser requests get a redirect instead; this body exists so
// programmatic callers can distinguish expiry from other authorization
// failures without parsing HTML.
type UnauthorizedBody struct {
	// Error is "token_expired" when a token outlived its usable life, or
	// "unauthorized" for every other ended session.
	Error string `json:"error"`

	// Message is a stable human-readable summary.
	Message string `json:"message"`

	// Reason carries the specific logout reason, null when none was recorded.
	Reason *string `json:"reason"`

	// Timestamp is when the response was produced, RFC 3339 UTC.
	Timestamp time.Time `json:"timestamp"`
}

// NewUnauthorizedBody derives the payload from the evaluated state.
func NewUnauthorizedBody(state token.State, now time.Time) UnauthorizedBody {
	kind := "unauthorized"
	if state.AnyExpired(now) {
		kind = "token_expired"
	}

	var reason *string
	if state.LogoutReason != "" {
		r := state.LogoutReason
		reason = &r
	}

	return UnauthorizedBody{
		Error:     kind,
		Message:   "session ended; sign in again to continue",
		Reason:    reason,
		Timestamp: now.UTC(),
	}
}

// WriteUnauthorized writes the synthetic 401 response.
func WriteUnauthorized(w http.ResponseWriter, state token.State, now time.Time) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(NewUnauthorizedBody(state, now)); err != nil {
		log.Warn().Err(err).Msg("session: writing unauthorized body failed")
	}
}

// IsAPIRequest reports whether the caller expects a JSON response rather than
// a browser redirect: an Accept header preferring JSON, an /api path, or the
// XMLHttpRequest marker header.
func IsAPIRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.HasPrefix(r.URL.Path, "/api") {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}
