package session

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/identity"
	"github.com/trustform/session-bridge/internal/token"
)

// InteractiveSchemeName is the registry name of the browser session scheme.
const InteractiveSchemeName = "trustform-interactive"

// InteractiveScheme authenticates browser requests from a sealed session
// ticket. When the ticket carries a refresh token and a provider token
// endpoint is configured, expired identity tokens are silently re-issued.
type InteractiveScheme struct {
	oauth *oauth2.Config
	now   func() time.Time
}

// NewInteractiveScheme builds the scheme from identity provider settings.
// Refresh is disabled when no token endpoint is configured.
func NewInteractiveScheme(cfg config.IdentityConfig) *InteractiveScheme {
	s := &InteractiveScheme{now: time.Now}
	if cfg.TokenURL != "" {
		s.oauth = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
		}
	}
	return s
}

func (s *InteractiveScheme) Name() string {
	return InteractiveSchemeName
}

// currentTicket returns the ticket in effect for this request: a refreshed
// ticket recorded in the request flags wins over the one presented inbound.
func currentTicket(ctx context.Context) *Ticket {
	if override, ok := RequestFlag[*Ticket](ctx, flagTicketOverride); ok {
		return override
	}
	if auth := AuthFrom(ctx); auth != nil {
		return auth.Ticket
	}
	return nil
}

func (s *InteractiveScheme) UserID(ctx context.Context) string {
	ticket := currentTicket(ctx)
	if ticket == nil || ticket.IdentityToken == "" {
		return ""
	}
	claims, err := identity.Parse(ticket.IdentityToken)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("interactive: unparseable identity token in ticket")
		return ""
	}
	return claims.UserID()
}

func (s *InteractiveScheme) IdentityToken(ctx context.Context) token.Token {
	ticket := currentTicket(ctx)
	if ticket == nil || ticket.IdentityToken == "" {
		return token.Token{}
	}
	claims, err := identity.Parse(ticket.IdentityToken)
	if err != nil {
		return token.Token{}
	}
	return claims.Token(ticket.IdentityToken)
}

func (s *InteractiveScheme) CanRefresh(ctx context.Context) bool {
	if s.oauth == nil {
		return false
	}
	ticket := currentTicket(ctx)
	return ticket != nil && ticket.RefreshToken != ""
}

// Refresh exchanges the ticket's refresh token for a fresh identity token and
// records the re-issued ticket in the request flags. The session middleware
// persists the new cookie; callers deeper in the request see the new ticket
// through currentTicket immediately.
func (s *InteractiveScheme) Refresh(ctx context.Context) bool {
	if !s.CanRefresh(ctx) {
		return false
	}
	ticket := currentTicket(ctx)

	source := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: ticket.RefreshToken})
	refreshed, err := source.Token()
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("interactive: token refresh failed")
		return false
	}

	identityToken := refreshed.AccessToken
	if id, ok := refreshed.Extra("id_token").(string); ok && id != "" {
		identityToken = id
	}

	refreshToken := refreshed.RefreshToken
	if refreshToken == "" {
		// provider did not rotate; keep the existing one
		refreshToken = ticket.RefreshToken
	}

	next := &Ticket{
		Scheme:        ticket.SchemeName(),
		IdentityToken: identityToken,
		RefreshToken:  refreshToken,
		IssuedAt:      s.now(),
	}
	SetRequestFlag(ctx, flagTicketOverride, next)
	SetRequestFlag(ctx, flagTicketDirty, true)

	log.Ctx(ctx).Info().Msg("interactive: identity token refreshed")
	return true
}
