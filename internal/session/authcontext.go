package session

import (
	"context"
	"net/http"
	"strings"
)

// AuthContext is the authentication material extracted from an inbound
// request: either a sealed interactive ticket or a raw bearer token, plus the
// name of the scheme that should interpret it. It travels on the request
// context so the outbound decorator can re-evaluate without the *http.Request.
type AuthContext struct {
	// SchemeName selects the scheme in the registry. Substring fallback
	// applies when no exact match is registered.
	SchemeName string

	// Ticket is the interactive session ticket, nil for headless requests.
	Ticket *Ticket

	// Bearer is the raw bearer identity token for headless requests.
	Bearer string
}

type authContextKey struct{}

// WithAuth binds an authentication context to the request context.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// AuthFrom retrieves the authentication context, nil when the request carried
// no recognizable credentials.
func AuthFrom(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// bearerToken extracts a bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	scheme, value, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(value)
}
