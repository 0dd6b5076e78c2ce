package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

// IdentityClaims describes a test identity token to mint.
type IdentityClaims struct {
	Subject         string
	Email           string
	AppID           string
	AuthorizedParty string
	Issuer          string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// MintIdentityToken produces a signed identity token for tests. The session
// subsystem never verifies signatures itself, so a symmetric test key is
// sufficient.
func MintIdentityToken(t *testing.T, c IdentityClaims) string {
	t.Helper()

	claims := jwt.MapClaims{}
	set := func(name, value string) {
		if value != "" {
			claims[name] = value
		}
	}
	set("sub", c.Subject)
	set("email", c.Email)
	set("appid", c.AppID)
	set("azp", c.AuthorizedParty)
	set("iss", c.Issuer)

	if !c.IssuedAt.IsZero() {
		claims["iat"] = c.IssuedAt.Unix()
	}
	if !c.ExpiresAt.IsZero() {
		claims["exp"] = c.ExpiresAt.Unix()
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte("session-bridge-test-key"))
	require.NoError(t, err)

	return signed
}
