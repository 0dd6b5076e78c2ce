package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/audit"
	"github.com/trustform/session-bridge/internal/session"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// sessionStatus is the redacted session view for the portal's timeout UI.
// Token values never appear here.
type sessionStatus struct {
	Authenticated  bool       `json:"authenticated"`
	Scheme         string     `json:"scheme,omitempty"`
	UserID         string     `json:"userId,omitempty"`
	CanRefresh     bool       `json:"canRefresh"`
	InternalCached bool       `json:"internalCached"`
	ExpiresAt      *time.Time `json:"expiresAt,omitempty"`
}

func handleSessionStatus(manager *session.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		state := manager.Evaluate(r.Context())

		status := sessionStatus{
			Authenticated:  state.Authenticated,
			Scheme:         state.SchemeName,
			UserID:         state.UserID,
			CanRefresh:     state.CanRefresh,
			InternalCached: state.Internal.Present(),
		}
		if expiry, ok := state.EarliestExpiry(); ok {
			status.ExpiresAt = &expiry
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			log.Info().Msgf("failed to write session status: %v", err)
		}
	})
}

func handleSignOut(manager *session.Manager, cookies *session.CookieStore, signInURL string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		ctx := r.Context()
		state := manager.Evaluate(ctx)

		if state.Authenticated {
			manager.ForceCompleteLogout(ctx, state.UserID, "user sign-out")
			audit.Log(ctx).Decision = "sign-out"
		}

		if cookies != nil {
			cookies.Clear(w)
		}

		if session.IsAPIRequest(r) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Redirect(w, r, signInURL, http.StatusSeeOther)
	})
}

// handleApplicationProxy forwards portal requests to the internal API. The
// client's transport attaches the exchanged internal token, so an upstream
// response here is always made with live credentials or is the transport's
// synthetic 401.
func handleApplicationProxy(client *http.Client, base *url.URL) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := *base
		target.Path = strings.TrimSuffix(base.Path, "/") + r.URL.Path
		target.RawQuery = r.URL.RawQuery

		req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
		if err != nil {
			log.Info().Msgf("building proxied request failed: %v", err)
			requestError(w, http.StatusInternalServerError)
			return
		}
		copyProxyHeaders(req.Header, r.Header)

		res, err := client.Do(req)
		if err != nil {
			log.Info().Msgf("internal API request failed: %v", err)
			status, message := errorStatus(err)
			if status == http.StatusInternalServerError {
				status, message = http.StatusBadGateway, "internal API unavailable"
			}
			writeJSONError(w, status, message)
			return
		}
		defer res.Body.Close()

		for name, values := range res.Header {
			for _, v := range values {
				w.Header().Add(name, v)
			}
		}
		w.WriteHeader(res.StatusCode)
		if _, err := io.Copy(w, res.Body); err != nil {
			// response already partially written; nothing to do but record it
			log.Info().Msgf("copying internal API response failed: %v", err)
		}
	})
}

// copyProxyHeaders forwards request headers, dropping the inbound credentials
// (replaced by the transport) and hop-by-hop headers.
func copyProxyHeaders(dst, src http.Header) {
	for name, values := range src {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", "Cookie", "Connection", "Keep-Alive", "Upgrade",
			"Proxy-Authorization", "Te", "Transfer-Encoding":
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
