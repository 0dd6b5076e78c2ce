package session

import (
	"context"
	"strings"
	"sync"
)

// Request-scoped flags live only for the duration of one inbound request.
// They are bound to the request context, never to process-wide state, so
// concurrent requests for the same user can't observe each other's markers.
const (
	// flagReauthDetected marks that a stale logout flag was cleared this
	// request because of fresh re-authentication.
	flagReauthDetected = "reauth-detected"

	// flagLogoutRequired marks that a forced logout was already decided
	// during this request.
	flagLogoutRequired = "logout-required"

	// tokenFlagPrefix tags flags that carry token material; these are
	// removed by ClearAllTokenCaches along with the durable caches.
	tokenFlagPrefix = "token:"

	// flagTicketOverride holds a ticket re-issued by a refresh this request,
	// superseding the one presented on the inbound request.
	flagTicketOverride = tokenFlagPrefix + "ticket"

	// flagTicketDirty marks that the override ticket needs persisting.
	flagTicketDirty = "ticket-dirty"
)

type flagsContextKey struct{}

type flagStore struct {
	mu     sync.RWMutex
	values map[string]any
}

// WithRequestFlags returns a context carrying a request-scoped flag store.
// Reuses an existing store so nested middleware doesn't shadow earlier flags.
func WithRequestFlags(ctx context.Context) context.Context {
	if ctx.Value(flagsContextKey{}) != nil {
		return ctx
	}
	return context.WithValue(ctx, flagsContextKey{}, &flagStore{values: map[string]any{}})
}

func flagsFrom(ctx context.Context) *flagStore {
	store, _ := ctx.Value(flagsContextKey{}).(*flagStore)
	return store
}

// SetRequestFlag stores a request-scoped value. Reports false when no flag
// store is bound to the context (i.e. outside the middleware pipeline).
func SetRequestFlag(ctx context.Context, key string, value any) bool {
	store := flagsFrom(ctx)
	if store == nil {
		return false
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.values[key] = value
	return true
}

// RequestFlag retrieves a typed request-scoped value.
func RequestFlag[T any](ctx context.Context, key string) (T, bool) {
	var zero T
	store := flagsFrom(ctx)
	if store == nil {
		return zero, false
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	value, ok := store.values[key].(T)
	if !ok {
		return zero, false
	}
	return value, true
}

// HasRequestFlag reports whether a request-scoped flag is present.
func HasRequestFlag(ctx context.Context, key string) bool {
	store := flagsFrom(ctx)
	if store == nil {
		return false
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	_, ok := store.values[key]
	return ok
}

// ClearRequestFlag removes a single request-scoped flag.
func ClearRequestFlag(ctx context.Context, key string) {
	store := flagsFrom(ctx)
	if store == nil {
		return
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.values, key)
}

// clearRequestFlagPrefix removes all request-scoped flags sharing a prefix.
func clearRequestFlagPrefix(ctx context.Context, prefix string) {
	store := flagsFrom(ctx)
	if store == nil {
		return
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	for key := range store.values {
		if strings.HasPrefix(key, prefix) {
			delete(store.values, key)
		}
	}
}
