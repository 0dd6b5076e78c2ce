package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/cache"
	"github.com/trustform/session-bridge/internal/token"
)

// LogoutFlag marks a user whose cached sessions must not be trusted until
// they re-authenticate. It lives in the distributed cache so a logout on one
// instance is honored by all of them.
type LogoutFlag struct {
	UserID string    `json:"userId"`
	SetAt  time.Time `json:"setAt"`
}

// CacheManager owns the durable token caches and the logout flags, keyed per
// user. Cache failures are never fatal: reads degrade to "not cached", which
// forces a fresh exchange rather than trusting stale state, and flag writes
// are logged and dropped rather than failing the request.
type CacheManager struct {
	tokens    cache.TokenCache[token.Token]
	flags     cache.TokenCache[LogoutFlag]
	logoutTTL time.Duration
	now       func() time.Time
}

// NewCacheManager returns a manager over the given backing caches.
func NewCacheManager(tokens cache.TokenCache[token.Token], flags cache.TokenCache[LogoutFlag], logoutTTL time.Duration) *CacheManager {
	return &CacheManager{
		tokens:    tokens,
		flags:     flags,
		logoutTTL: logoutTTL,
		now:       time.Now,
	}
}

func internalTokenKey(userID string) string {
	return "session:obo:" + userID
}

func schemeTokenKey(scheme, userID string) string {
	return fmt.Sprintf("session:aux:%s:%s", scheme, userID)
}

func logoutFlagKey(userID string) string {
	return "session:logout:" + userID
}

func logoutRequestFlag(userID string) string {
	return "logout:" + userID
}

// InternalToken returns the cached internal API token for the user, zero when
// absent, expired or unreadable. Tokens found expired are evicted.
func (m *CacheManager) InternalToken(ctx context.Context, userID string) token.Token {
	if userID == "" {
		return token.Token{}
	}

	t, found, err := m.tokens.Get(ctx, internalTokenKey(userID))
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache: internal token read failed; treating as not cached")
		return token.Token{}
	}
	if !found {
		return token.Token{}
	}
	if !t.Valid(m.now()) {
		m.InvalidateInternalToken(ctx, userID)
		return token.Token{}
	}
	return t
}

// StoreInternalToken caches an internal token until its buffered expiry.
// Tokens at or past the buffer are refused: caching them would only serve
// already-expired values.
func (m *CacheManager) StoreInternalToken(ctx context.Context, userID string, t token.Token) error {
	ttl := t.TTL(m.now())
	if ttl <= 0 {
		return fmt.Errorf("refusing to cache internal token within expiry buffer (ttl %s)", ttl)
	}
	return m.tokens.SetWithTTL(ctx, internalTokenKey(userID), t, ttl)
}

// InvalidateInternalToken removes the cached internal token. Best effort.
func (m *CacheManager) InvalidateInternalToken(ctx context.Context, userID string) {
	if err := m.tokens.Invalidate(ctx, internalTokenKey(userID)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache: internal token invalidation failed")
	}
}

// SchemeToken returns an auxiliary per-scheme token for the user, zero when
// absent, expired or unreadable.
func (m *CacheManager) SchemeToken(ctx context.Context, scheme, userID string) token.Token {
	if userID == "" {
		return token.Token{}
	}

	t, found, err := m.tokens.Get(ctx, schemeTokenKey(scheme, userID))
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("scheme", scheme).Msg("cache: scheme token read failed; treating as not cached")
		return token.Token{}
	}
	if !found || !t.Valid(m.now()) {
		return token.Token{}
	}
	return t
}

// StoreSchemeToken caches an auxiliary per-scheme token until its buffered
// expiry.
func (m *CacheManager) StoreSchemeToken(ctx context.Context, scheme, userID string, t token.Token) error {
	ttl := t.TTL(m.now())
	if ttl <= 0 {
		return fmt.Errorf("refusing to cache scheme token within expiry buffer (ttl %s)", ttl)
	}
	return m.tokens.SetWithTTL(ctx, schemeTokenKey(scheme, userID), t, ttl)
}

// ClearAllTokenCaches removes every cached token for the user: the internal
// token, each scheme's auxiliary token, and any request-scoped flags tagged
// as token material. Each removal is best effort.
func (m *CacheManager) ClearAllTokenCaches(ctx context.Context, userID string, schemes ...string) {
	m.InvalidateInternalToken(ctx, userID)
	for _, scheme := range schemes {
		if err := m.tokens.Invalidate(ctx, schemeTokenKey(scheme, userID)); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("scheme", scheme).Msg("cache: scheme token invalidation failed")
		}
	}
	clearRequestFlagPrefix(ctx, tokenFlagPrefix)
}

// SetLogoutFlag marks the user as logged out, in the distributed cache and in
// the request flags. The request flag guarantees the current request observes
// the logout even when the distributed write fails.
func (m *CacheManager) SetLogoutFlag(ctx context.Context, userID string) {
	SetRequestFlag(ctx, logoutRequestFlag(userID), true)

	flag := LogoutFlag{UserID: userID, SetAt: m.now()}
	if err := m.flags.SetWithTTL(ctx, logoutFlagKey(userID), flag, m.logoutTTL); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache: logout flag write failed; flag held for this request only")
	}
}

// IsLogoutFlagSet reports whether the user is flagged for logout. The request
// flag is consulted first so a logout set earlier in this request is honored
// regardless of cache state; an unreadable cache reads as not flagged.
func (m *CacheManager) IsLogoutFlagSet(ctx context.Context, userID string) bool {
	if userID == "" {
		return false
	}
	if HasRequestFlag(ctx, logoutRequestFlag(userID)) {
		return true
	}

	_, found, err := m.flags.Get(ctx, logoutFlagKey(userID))
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache: logout flag read failed; treating as not flagged")
		return false
	}
	return found
}

// ClearLogoutFlag removes the logout flag after a verified re-authentication.
func (m *CacheManager) ClearLogoutFlag(ctx context.Context, userID string) {
	ClearRequestFlag(ctx, logoutRequestFlag(userID))
	if err := m.flags.Invalidate(ctx, logoutFlagKey(userID)); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("cache: logout flag invalidation failed")
	}
}

// Close releases the backing caches.
func (m *CacheManager) Close() error {
	tokenErr := m.tokens.Close()
	flagErr := m.flags.Close()
	if tokenErr != nil {
		return tokenErr
	}
	return flagErr
}
