package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trustform/session-bridge/internal/audit"
)

var meter = otel.Meter("github.com/trustform/session-bridge/internal/session")

var decisionCounter, _ = meter.Int64Counter(
	"session.decisions",
	metric.WithDescription("Session middleware decisions by outcome"),
)

// Authenticate extracts authentication material from the request and seeds
// the context: a request-scoped flag store, plus an AuthContext when the
// request carries a bearer token or a readable session ticket. A bearer token
// wins over a cookie so API clients aren't captured by a stale browser
// session. Unauthenticated requests pass through untouched; authorization is
// decided downstream.
func Authenticate(cookies *CookieStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithRequestFlags(r.Context())

			if bearer := bearerToken(r); bearer != "" {
				ctx = WithAuth(ctx, &AuthContext{SchemeName: HeadlessSchemeName, Bearer: bearer})
			} else if cookies != nil {
				ticket, err := cookies.Read(r)
				switch {
				case err == nil:
					ctx = WithAuth(ctx, &AuthContext{SchemeName: ticket.SchemeName(), Ticket: ticket})
				case !errors.Is(err, http.ErrNoCookie):
					// undecryptable or corrupted cookie: drop it so the
					// browser doesn't resend it forever
					log.Ctx(ctx).Warn().Err(err).Msg("session: discarding unreadable session cookie")
					cookies.Clear(w)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Middleware evaluates the session state before the handler runs. Expired
// sessions are refreshed in place when the scheme allows it; sessions that
// must end are fully logged out and answered with a redirect (browsers) or a
// synthetic 401 (API callers). Unauthenticated requests pass through.
func Middleware(manager *Manager, cookies *CookieStore, signInURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			state := manager.Evaluate(ctx)

			entry := audit.Log(ctx)
			entry.Authorized = state.Authenticated
			entry.Scheme = state.SchemeName
			entry.UserID = state.UserID

			if !state.Authenticated {
				entry.Decision = "anonymous"
				recordDecision(r, "anonymous")
				next.ServeHTTP(w, r)
				return
			}

			if manager.ShouldForceLogout(state) {
				manager.ForceCompleteLogout(ctx, state.UserID, state.LogoutReason)
				entry.Decision = "forced-logout"
				entry.LogoutReason = state.LogoutReason
				recordDecision(r, "forced-logout")

				if cookies != nil {
					cookies.Clear(w)
				}
				if IsAPIRequest(r) {
					WriteUnauthorized(w, state, time.Now())
				} else {
					http.Redirect(w, r, signInURL, http.StatusSeeOther)
				}
				return
			}

			now := time.Now()
			if state.AnyExpired(now) && state.CanRefresh {
				if manager.RefreshTokensIfPossible(ctx) {
					entry.Decision = "refreshed"
					recordDecision(r, "refreshed")
					persistTicket(ctx, w, cookies)
				} else {
					// refresh failed; the outbound decorator gets a final
					// attempt before the session is forced out
					entry.Decision = "refresh-failed"
					recordDecision(r, "refresh-failed")
				}
			} else {
				entry.Decision = "proceed"
				recordDecision(r, "proceed")
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// persistTicket writes a refreshed ticket back to the browser. Must run
// before the handler produces output, while headers can still be set.
func persistTicket(ctx context.Context, w http.ResponseWriter, cookies *CookieStore) {
	if cookies == nil {
		return
	}
	if !HasRequestFlag(ctx, flagTicketDirty) {
		return
	}
	ticket, ok := RequestFlag[*Ticket](ctx, flagTicketOverride)
	if !ok {
		return
	}
	if err := cookies.Write(w, ticket); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("session: persisting refreshed ticket failed")
		return
	}
	ClearRequestFlag(ctx, flagTicketDirty)
}

func recordDecision(r *http.Request, decision string) {
	decisionCounter.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("decision", decision)),
	)
}
