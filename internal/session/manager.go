package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/identity"
	"github.com/trustform/session-bridge/internal/token"
)

// Manager is the token state machine. Evaluate computes a fresh State for the
// request; ForceCompleteLogout and RefreshTokensIfPossible are the two
// transitions out of a bad state.
type Manager struct {
	cache        *CacheManager
	registry     *Registry
	reauthWindow time.Duration
	lenient      bool
	now          func() time.Time
}

// NewManager builds the state machine over the cache manager and scheme
// registry.
func NewManager(cacheManager *CacheManager, registry *Registry, cfg config.SessionConfig) *Manager {
	return &Manager{
		cache:        cacheManager,
		registry:     registry,
		reauthWindow: time.Duration(cfg.ReauthWindowSeconds) * time.Second,
		lenient:      cfg.ReauthLenient,
		now:          time.Now,
	}
}

// Cache exposes the underlying cache manager for collaborators that store
// exchanged tokens directly.
func (m *Manager) Cache() *CacheManager {
	return m.cache
}

// Evaluate computes the authentication state for the request. It never
// mutates durable state except through the re-authentication escape, which
// clears a logout flag proven stale by a fresh sign-in.
func (m *Manager) Evaluate(ctx context.Context) token.State {
	auth := AuthFrom(ctx)
	if auth == nil {
		return token.State{}
	}

	scheme, ok := m.registry.Resolve(ctx, auth.SchemeName)
	if !ok {
		log.Ctx(ctx).Warn().Str("scheme", auth.SchemeName).Msg("session: unknown authentication scheme")
		return token.State{}
	}

	userID := scheme.UserID(ctx)
	if userID == "" {
		return token.State{}
	}

	state := token.State{
		Authenticated: true,
		SchemeName:    scheme.Name(),
		UserID:        userID,
		Identity:      scheme.IdentityToken(ctx),
	}

	if m.cache.IsLogoutFlagSet(ctx, userID) && !HasRequestFlag(ctx, flagReauthDetected) {
		if !m.reauthEscape(ctx, state.Identity, userID) {
			state.LogoutReason = "logout flagged; re-authentication required"
			return state
		}
	}

	state.Internal = m.cache.InternalToken(ctx, userID)
	state.CanRefresh = scheme.CanRefresh(ctx)

	// A request that just cleared a stale logout flag gets one chance at a
	// fresh exchange even when its scheme has no refresh path.
	if HasRequestFlag(ctx, flagReauthDetected) {
		state.CanRefresh = true
	}

	now := m.now()
	if state.AnyExpired(now) && !state.CanRefresh {
		state.LogoutReason = fmt.Sprintf(
			"token expired without refresh path (identity expired=%t, internal expired=%t)",
			state.Identity.Expired(now), state.Internal.Expired(now),
		)
	}

	return state
}

// reauthEscape decides whether an active logout flag is stale: the user has
// signed in again since it was set. A token issued inside the recency window
// is proof; in lenient mode any parseable current token is accepted, because
// some providers re-issue tokens carrying the original issue time. On escape
// the flag and the cached internal token are cleared so nothing from the
// flagged session survives.
func (m *Manager) reauthEscape(ctx context.Context, identityToken token.Token, userID string) bool {
	if !identityToken.Present() {
		return false
	}

	claims, err := identity.Parse(identityToken.Value)
	if err != nil {
		return false
	}

	fresh := claims.IssuedWithin(m.reauthWindow, m.now())
	if !fresh && !m.lenient {
		return false
	}

	m.cache.ClearLogoutFlag(ctx, userID)
	m.cache.InvalidateInternalToken(ctx, userID)
	SetRequestFlag(ctx, flagReauthDetected, true)

	log.Ctx(ctx).Info().
		Str("user", userID).
		Bool("within_window", fresh).
		Msg("session: re-authentication detected; logout flag cleared")
	return true
}

// ForceCompleteLogout flags the user for logout and clears every cached
// token. The flag is written first: if the request dies mid-way, other
// instances still observe the logout while the caches self-expire.
func (m *Manager) ForceCompleteLogout(ctx context.Context, userID string, reason string) {
	if userID == "" {
		return
	}
	if HasRequestFlag(ctx, flagLogoutRequired) {
		return
	}

	log.Ctx(ctx).Info().Str("user", userID).Str("reason", reason).Msg("session: forcing complete logout")

	m.cache.SetLogoutFlag(ctx, userID)
	m.cache.ClearAllTokenCaches(ctx, userID, m.registry.Names()...)
	SetRequestFlag(ctx, flagLogoutRequired, true)
}

// RefreshTokensIfPossible attempts a silent refresh through the request's
// scheme. On success the cached internal token is dropped, forcing the next
// exchange to run against the fresh identity, and any logout flag is cleared.
func (m *Manager) RefreshTokensIfPossible(ctx context.Context) bool {
	auth := AuthFrom(ctx)
	if auth == nil {
		return false
	}
	scheme, ok := m.registry.Resolve(ctx, auth.SchemeName)
	if !ok {
		return false
	}
	userID := scheme.UserID(ctx)
	if userID == "" || !scheme.CanRefresh(ctx) {
		return false
	}

	if !scheme.Refresh(ctx) {
		return false
	}

	m.cache.InvalidateInternalToken(ctx, userID)
	m.cache.ClearLogoutFlag(ctx, userID)
	return true
}

// ShouldForceLogout reports whether the evaluated state requires ending the
// session.
func (m *Manager) ShouldForceLogout(state token.State) bool {
	return state.Authenticated && state.ShouldLogout(m.now())
}
