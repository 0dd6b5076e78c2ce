package session

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/token"
)

// Scheme interprets one kind of authentication material. Schemes read the
// request's AuthContext (and request flags) from the context, so the outbound
// decorator can consult them mid-request without access to the *http.Request.
type Scheme interface {
	// Name is the stable registry name of the scheme.
	Name() string

	// UserID derives the cache partition key for the current request. Empty
	// means the request is unauthenticated under this scheme.
	UserID(ctx context.Context) string

	// IdentityToken returns the external identity token currently bound to
	// the request, zero when none is present.
	IdentityToken(ctx context.Context) token.Token

	// CanRefresh reports whether the scheme can silently obtain a fresh
	// identity token for this request.
	CanRefresh(ctx context.Context) bool

	// Refresh obtains a fresh identity token and records it in the
	// request-scoped flags. Reports whether the refresh succeeded.
	Refresh(ctx context.Context) bool
}

// Registry resolves scheme names to schemes. Besides exact matches it
// supports substring fallbacks, so environment-qualified names like
// "integration-test-signin" can resolve to a registered test scheme.
type Registry struct {
	schemes   map[string]Scheme
	fallbacks []fallback
}

type fallback struct {
	substring string
	scheme    Scheme
}

// NewRegistry returns a registry holding the given schemes, keyed by name.
func NewRegistry(schemes ...Scheme) *Registry {
	r := &Registry{schemes: make(map[string]Scheme, len(schemes))}
	for _, s := range schemes {
		r.schemes[s.Name()] = s
	}
	return r
}

// RegisterFallback maps any scheme name containing the given substring
// (case-insensitive) to the scheme. Fallbacks are tried in registration order
// after exact matching fails.
func (r *Registry) RegisterFallback(substring string, scheme Scheme) {
	r.fallbacks = append(r.fallbacks, fallback{
		substring: strings.ToLower(substring),
		scheme:    scheme,
	})
}

// Resolve finds the scheme for a name. Exact match first; otherwise the first
// registered fallback whose substring occurs in the name. Fallback hits are
// logged, as they usually indicate drift between issuer and service config.
func (r *Registry) Resolve(ctx context.Context, name string) (Scheme, bool) {
	if s, ok := r.schemes[name]; ok {
		return s, true
	}

	lower := strings.ToLower(name)
	for _, f := range r.fallbacks {
		if strings.Contains(lower, f.substring) {
			log.Ctx(ctx).Warn().
				Str("scheme", name).
				Str("resolved", f.scheme.Name()).
				Msg("scheme resolved by substring fallback")
			return f.scheme, true
		}
	}

	return nil, false
}

// Names lists the registered scheme names in stable order. Used when clearing
// per-scheme caches for a user.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.schemes))
	for name := range r.schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
