// Package token holds the value types shared by the session subsystem: a
// single token with its expiry, and the per-request state snapshot combining
// the external identity token, the exchanged internal API token and the
// optional service token.
package token

import (
	"time"
)

// ExpiryBuffer is the safety margin subtracted from a token's real expiry
// before it is considered usable. A token that would expire mid-flight is
// treated as already expired.
const ExpiryBuffer = 5 * time.Minute

// Token is a single bearer token and its expiry. The zero value is "absent",
// which is deliberately distinct from "present but expired": the two produce
// different logout reasons.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// New returns a token with the given value and expiry.
func New(value string, expiresAt time.Time) Token {
	return Token{Value: value, ExpiresAt: expiresAt}
}

// Present reports whether a token value exists at all.
func (t Token) Present() bool {
	return t.Value != ""
}

// Valid reports whether the token is usable at the given instant: present,
// with a known expiry further than ExpiryBuffer away.
func (t Token) Valid(now time.Time) bool {
	if !t.Present() || t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Sub(now) > ExpiryBuffer
}

// Expired reports whether a token exists but is no longer usable. An absent
// token is not "expired": it was never issued.
func (t Token) Expired(now time.Time) bool {
	return t.Present() && !t.Valid(now)
}

// TTL returns the remaining time the token may be cached for: the duration
// until its buffered expiry. Zero or negative means "do not cache".
func (t Token) TTL(now time.Time) time.Duration {
	if t.ExpiresAt.IsZero() {
		return 0
	}
	return t.ExpiresAt.Add(-ExpiryBuffer).Sub(now)
}

// State is the per-request authentication snapshot. It is recomputed on every
// evaluation from the request's authentication context and the distributed
// cache, and never persisted.
type State struct {
	Authenticated bool
	SchemeName    string
	UserID        string

	// Identity is the external identity token bound to the request.
	Identity Token

	// Internal is the exchanged internal API token (from cache, if present).
	Internal Token

	// Service is the service-to-service token, for callers acting without a
	// signed-in user.
	Service Token

	// CanRefresh is true when the scheme can silently obtain a new identity
	// token without user interaction.
	CanRefresh bool

	// LogoutReason is set when the evaluation decided the session must end.
	// It names the expired token and whether refresh was possible.
	LogoutReason string
}

// AnyExpired reports whether the identity or internal token exists but is no
// longer usable.
func (s State) AnyExpired(now time.Time) bool {
	return s.Identity.Expired(now) || s.Internal.Expired(now)
}

// ShouldLogout reports whether this state requires the session to end: a
// token has expired with no refresh path, or the evaluation recorded an
// explicit logout reason (e.g. an active logout flag).
func (s State) ShouldLogout(now time.Time) bool {
	if s.LogoutReason != "" {
		return true
	}
	return s.AnyExpired(now) && !s.CanRefresh
}

// EarliestExpiry returns the soonest expiry over the present tokens, and
// whether any token carries an expiry at all.
func (s State) EarliestExpiry() (time.Time, bool) {
	var earliest time.Time
	for _, t := range []Token{s.Identity, s.Internal, s.Service} {
		if !t.Present() || t.ExpiresAt.IsZero() {
			continue
		}
		if earliest.IsZero() || t.ExpiresAt.Before(earliest) {
			earliest = t.ExpiresAt
		}
	}
	return earliest, !earliest.IsZero()
}
