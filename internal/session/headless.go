package session

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/identity"
	"github.com/trustform/session-bridge/internal/token"
)

// HeadlessSchemeName is the registry name of the bearer token scheme used by
// API clients and automated callers.
const HeadlessSchemeName = "headless"

// HeadlessScheme authenticates requests from a bearer identity token. There
// is no refresh path: when the token expires the caller must present a new
// one, so expiry surfaces as a synthetic 401 rather than a redirect.
type HeadlessScheme struct{}

func NewHeadlessScheme() *HeadlessScheme {
	return &HeadlessScheme{}
}

func (s *HeadlessScheme) Name() string {
	return HeadlessSchemeName
}

func (s *HeadlessScheme) claims(ctx context.Context) (identity.Claims, bool) {
	auth := AuthFrom(ctx)
	if auth == nil || auth.Bearer == "" {
		return identity.Claims{}, false
	}
	claims, err := identity.Parse(auth.Bearer)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("headless: unparseable bearer token")
		return identity.Claims{}, false
	}
	return claims, true
}

func (s *HeadlessScheme) UserID(ctx context.Context) string {
	claims, ok := s.claims(ctx)
	if !ok {
		return ""
	}
	return claims.UserID()
}

func (s *HeadlessScheme) IdentityToken(ctx context.Context) token.Token {
	claims, ok := s.claims(ctx)
	if !ok {
		return token.Token{}
	}
	return claims.Token(AuthFrom(ctx).Bearer)
}

func (s *HeadlessScheme) CanRefresh(context.Context) bool {
	return false
}

func (s *HeadlessScheme) Refresh(context.Context) bool {
	return false
}
