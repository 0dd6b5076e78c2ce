package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/exchange"
	"github.com/trustform/session-bridge/internal/session"
	"github.com/trustform/session-bridge/internal/token"
)

type serviceAuthKey struct{}

// WithServiceAuth marks the request context so the outbound transport
// authenticates with the service token instead of the user's session. The
// choice is explicit and per-call: user-scoped requests never silently fall
// back to service credentials.
func WithServiceAuth(ctx context.Context) context.Context {
	return context.WithValue(ctx, serviceAuthKey{}, true)
}

func serviceAuth(ctx context.Context) bool {
	enabled, _ := ctx.Value(serviceAuthKey{}).(bool)
	return enabled
}

// Transport is an http.RoundTripper attaching internal API credentials to
// outgoing requests. For user-scoped requests it resolves, in order: a valid
// cached internal token; a refreshed identity token; a fresh exchange against
// a valid identity token. When nothing yields a usable credential the user is
// fully logged out and a synthetic 401 is returned in place of the upstream
// response.
type Transport struct {
	base          http.RoundTripper
	manager       *session.Manager
	exchanger     exchange.Exchanger
	serviceTokens *exchange.ServiceTokenSource
	now           func() time.Time
}

// NewTransport builds the decorator over a base transport. serviceTokens may
// be nil when no service token endpoint is configured.
func NewTransport(base http.RoundTripper, manager *session.Manager, exchanger exchange.Exchanger, serviceTokens *exchange.ServiceTokenSource) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:          base,
		manager:       manager,
		exchanger:     exchanger,
		serviceTokens: serviceTokens,
		now:           time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if serviceAuth(ctx) {
		return t.roundTripService(req)
	}

	state := t.manager.Evaluate(ctx)
	if !state.Authenticated {
		return syntheticUnauthorized(req, state, t.now()), nil
	}

	now := t.now()

	if state.Internal.Valid(now) {
		return t.sendWithRetry(req, state)
	}

	if !state.Identity.Valid(now) && state.CanRefresh {
		if t.manager.RefreshTokensIfPossible(ctx) {
			state = t.manager.Evaluate(ctx)
			now = t.now()
		}
	}

	if !state.Identity.Valid(now) {
		return t.logoutResponse(req, state, "no usable identity token for exchange"), nil
	}

	internal, err := t.exchangeAndCache(ctx, state)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("outbound: token exchange failed")
		return t.logoutResponse(req, state, "token exchange failed"), nil
	}

	return t.send(req, internal.Value)
}

func (t *Transport) roundTripService(req *http.Request) (*http.Response, error) {
	if t.serviceTokens == nil {
		return nil, fmt.Errorf("service authentication requested but no service token source configured")
	}
	svc, err := t.serviceTokens.Token(req.Context())
	if err != nil {
		return nil, err
	}
	return t.send(req, svc.Value)
}

// sendWithRetry sends with the cached internal token. A 401 from the
// internal API means the cached token was revoked out-of-band: it is dropped
// and the request retried exactly once with a freshly exchanged token. The
// retry requires a replayable body; a consumed stream would resend empty, so
// the upstream 401 is returned instead.
func (t *Transport) sendWithRetry(req *http.Request, state token.State) (*http.Response, error) {
	ctx := req.Context()

	res, err := t.send(req, state.Internal.Value)
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}

	t.manager.Cache().InvalidateInternalToken(ctx, state.UserID)

	if req.Body != nil && req.GetBody == nil {
		log.Ctx(ctx).Warn().Msg("outbound: cached internal token rejected but request body is not replayable")
		return res, nil
	}

	drainAndClose(res.Body)
	log.Ctx(ctx).Info().Msg("outbound: cached internal token rejected upstream; re-exchanging")

	if !state.Identity.Valid(t.now()) {
		return t.logoutResponse(req, state, "internal token rejected and identity token unusable"), nil
	}

	internal, err := t.exchangeAndCache(ctx, state)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("outbound: re-exchange after upstream rejection failed")
		return t.logoutResponse(req, state, "token exchange failed"), nil
	}

	return t.send(req, internal.Value)
}

// exchangeAndCache runs the exchange and caches the result. The token is
// cached only after the response is fully decoded; a failed cache write is
// logged, not fatal, since the token itself is still usable.
func (t *Transport) exchangeAndCache(ctx context.Context, state token.State) (token.Token, error) {
	internal, err := t.exchanger.ExchangeToken(ctx, state.Identity.Value)
	if err != nil {
		return token.Token{}, err
	}

	if err := t.manager.Cache().StoreInternalToken(ctx, state.UserID, internal); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("outbound: caching exchanged token failed")
	}

	return internal, nil
}

// send dispatches the request with the given bearer token. The request is
// cloned first: a RoundTripper must not mutate its argument. When a body is
// present and replayable it is rewound, so the retry path can resend it.
func (t *Transport) send(req *http.Request, bearer string) (*http.Response, error) {
	authed := req.Clone(req.Context())
	authed.Header.Set("Authorization", "Bearer "+bearer)

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		authed.Body = body
	}

	return t.base.RoundTrip(authed)
}

// logoutResponse fully logs the user out and synthesizes the 401 the caller
// returns in place of an upstream response.
func (t *Transport) logoutResponse(req *http.Request, state token.State, reason string) *http.Response {
	if state.LogoutReason == "" {
		state.LogoutReason = reason
	}
	t.manager.ForceCompleteLogout(req.Context(), state.UserID, state.LogoutReason)
	return syntheticUnauthorized(req, state, t.now())
}

// syntheticUnauthorized builds the structured 401 response without any
// upstream round trip.
func syntheticUnauthorized(req *http.Request, state token.State, now time.Time) *http.Response {
	body, err := json.Marshal(session.NewUnauthorizedBody(state, now))
	if err != nil {
		body = []byte(`{"error":"unauthorized"}`)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/json")

	return &http.Response{
		StatusCode:    http.StatusUnauthorized,
		Status:        http.StatusText(http.StatusUnauthorized),
		Proto:         req.Proto,
		ProtoMajor:    req.ProtoMajor,
		ProtoMinor:    req.ProtoMinor,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
