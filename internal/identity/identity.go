// Package identity inspects external identity tokens. Tokens reaching this
// service have been validated upstream (by the sign-in flow or the bearer
// middleware); this package only extracts the claims the session subsystem
// depends on: a stable user identifier, the issuer, and the token's timing.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/trustform/session-bridge/internal/token"
)

// Claims is the subset of identity token claims the session subsystem uses.
type Claims struct {
	Subject         string
	Email           string
	AppID           string
	AuthorizedParty string
	Issuer          string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// Parse extracts claims from a raw identity token without verifying its
// signature. Signature and audience verification belong to the issuing
// flow; by the time a token is inspected here it has already been accepted.
func Parse(raw string) (Claims, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("parsing identity token: %w", err)
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("unexpected claims type %T", parsed.Claims)
	}

	c := Claims{
		Subject:         stringClaim(mapClaims, "sub"),
		Email:           stringClaim(mapClaims, "email"),
		AppID:           stringClaim(mapClaims, "appid"),
		AuthorizedParty: stringClaim(mapClaims, "azp"),
		Issuer:          stringClaim(mapClaims, "iss"),
		IssuedAt:        timeClaim(mapClaims, "iat"),
		ExpiresAt:       timeClaim(mapClaims, "exp"),
	}

	return c, nil
}

// UserID derives the stable identifier used to partition the token caches.
// Claims are consulted in priority order: app-id, authorized party, email,
// subject. Empty when none are present.
func (c Claims) UserID() string {
	for _, candidate := range []string{c.AppID, c.AuthorizedParty, c.Email, c.Subject} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// IssuedBy reports whether the token issuer contains the given domain,
// case-insensitively. Substring matching tolerates tenant-qualified issuer
// URLs without configuring each one.
func (c Claims) IssuedBy(domain string) bool {
	if domain == "" {
		return false
	}
	return strings.Contains(strings.ToLower(c.Issuer), strings.ToLower(domain))
}

// IssuedByAny reports whether the issuer matches any accepted domain.
func (c Claims) IssuedByAny(domains []string) bool {
	for _, d := range domains {
		if c.IssuedBy(d) {
			return true
		}
	}
	return false
}

// IssuedWithin reports whether the token was issued inside the given window
// before now. Tokens without an issue time never match.
func (c Claims) IssuedWithin(window time.Duration, now time.Time) bool {
	if c.IssuedAt.IsZero() {
		return false
	}
	age := now.Sub(c.IssuedAt)
	return age >= 0 && age <= window
}

// Token converts the claims back to the token value type, pairing the raw
// token with the expiry the claims carry.
func (c Claims) Token(raw string) token.Token {
	return token.New(raw, c.ExpiresAt)
}

func stringClaim(claims jwt.MapClaims, name string) string {
	v, _ := claims[name].(string)
	return v
}

func timeClaim(claims jwt.MapClaims, name string) time.Time {
	switch v := claims[name].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case int64:
		return time.Unix(v, 0)
	case string:
		// tolerated: some providers emit numeric dates as strings
		var date jwt.NumericDate
		if err := (&date).UnmarshalJSON([]byte(v)); err == nil {
			return date.Time
		}
	}
	return time.Time{}
}
