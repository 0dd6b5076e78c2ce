// Package outbound decorates calls to the internal API: it attaches the
// exchanged internal token to outgoing requests, drives exchange and refresh
// when no usable token exists, and registers unknown users on first contact.
package outbound

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/trustform/session-bridge/internal/exchange"
	"github.com/trustform/session-bridge/internal/identity"
	"github.com/trustform/session-bridge/internal/registration"
	"github.com/trustform/session-bridge/internal/token"
)

// AutoRegistering decorates an Exchanger: when the exchange endpoint reports
// an unknown user, the user is registered once and the exchange retried once.
// Registration for a user is serialized process-locally, so a burst of
// first-contact requests produces a single registration call. Failures other
// than unknown-user propagate unchanged.
type AutoRegistering struct {
	exchanger     exchange.Exchanger
	registrar     registration.Registrar
	issuerDomains []string
	group         singleflight.Group
}

// NewAutoRegistering wraps the exchanger. Only identity tokens issued by one
// of the accepted issuer domains are ever auto-registered.
func NewAutoRegistering(exchanger exchange.Exchanger, registrar registration.Registrar, issuerDomains []string) *AutoRegistering {
	return &AutoRegistering{
		exchanger:     exchanger,
		registrar:     registrar,
		issuerDomains: issuerDomains,
	}
}

// ExchangeToken implements exchange.Exchanger.
func (a *AutoRegistering) ExchangeToken(ctx context.Context, subjectToken string) (token.Token, error) {
	exchanged, err := a.exchanger.ExchangeToken(ctx, subjectToken)
	if err == nil || !errors.Is(err, exchange.ErrUserNotFound) {
		return exchanged, err
	}

	claims, parseErr := identity.Parse(subjectToken)
	if parseErr != nil {
		log.Ctx(ctx).Warn().Err(parseErr).Msg("outbound: unknown user with unparseable identity token")
		return token.Token{}, err
	}

	// the issuer is re-verified here: registration creates records, so only
	// tokens from accepted issuers may trigger it
	if !claims.IssuedByAny(a.issuerDomains) {
		log.Ctx(ctx).Warn().
			Str("issuer", claims.Issuer).
			Msg("outbound: refusing auto-registration for unaccepted issuer")
		return token.Token{}, err
	}

	userID := claims.UserID()
	_, registerErr, shared := a.group.Do(userID, func() (any, error) {
		// detached from the winning caller: its cancellation mid-flight must
		// not fail the waiters sharing this registration
		created, err := a.registrar.Register(context.WithoutCancel(ctx), subjectToken)
		if err != nil {
			return nil, err
		}
		return created, nil
	})
	if registerErr != nil {
		return token.Token{}, fmt.Errorf("auto-registering user: %w", registerErr)
	}

	log.Ctx(ctx).Info().
		Str("user", userID).
		Bool("sharedRegistration", shared).
		Msg("outbound: user auto-registered; retrying exchange")

	return a.exchanger.ExchangeToken(ctx, subjectToken)
}
