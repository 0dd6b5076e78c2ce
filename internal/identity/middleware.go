package identity

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"
	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/config"
)

// BearerMiddleware returns middleware validating bearer identity tokens on
// API routes, used by headless callers that present the identity token
// directly instead of holding a session cookie. When no bearer issuer is
// configured the middleware is a pass-through: validation is assumed to
// happen at a fronting gateway.
func BearerMiddleware(cfg config.IdentityConfig) (func(http.Handler) http.Handler, error) {
	if cfg.BearerIssuerURL == "" {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	issuerURL, err := url.Parse(cfg.BearerIssuerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing bearer issuer URL: %w", err)
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{cfg.BearerAudience},
		validator.WithAllowedClockSkew(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("configuring bearer token validator: %w", err)
	}

	middleware := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithErrorHandler(bearerErrorHandler),
		// tokens may also arrive via the session scheme; absence is handled
		// by the session middleware, not here
		jwtmiddleware.WithCredentialsOptional(true),
	)

	return middleware.CheckJWT, nil
}

func bearerErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	log.Info().Err(err).Str("path", r.URL.Path).Msg("bearer identity token rejected")
	jwtmiddleware.DefaultErrorHandler(w, r, err)
}
