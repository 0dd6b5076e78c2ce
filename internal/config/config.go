package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Cache        CacheConfig
	Exchange     ExchangeConfig
	Identity     IdentityConfig
	Observe      ObserveConfig
	Registration RegistrationConfig
	Server       ServerConfig
	Session      SessionConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`

	// SignInURL is the browser surface users are redirected to after a
	// forced logout.
	SignInURL string `env:"SERVER_SIGNIN_URL, default=/"`

	// InternalAPIURL is the base URL of the downstream internal API that
	// application requests are proxied to.
	InternalAPIURL string `env:"SERVER_INTERNAL_API_URL, required"`
}

// SessionConfig controls the token state manager and the session middleware.
type SessionConfig struct {
	// ReauthWindowSeconds is the recency window for the re-authentication
	// escape: a logout flag is treated as stale when an identity token issued
	// within this window is presented.
	ReauthWindowSeconds int `env:"SESSION_REAUTH_WINDOW_SECS, default=120"`

	// ReauthLenient additionally clears a logout flag for any
	// currently-authenticated user, even when the token issue time can't be
	// established. Some providers re-issue tokens carrying the original
	// (older) issue time after a silent re-authentication.
	ReauthLenient bool `env:"SESSION_REAUTH_LENIENT, default=true"`

	// LogoutFlagTTLSeconds bounds how long a forced-logout flag persists in
	// the distributed cache before it self-expires.
	LogoutFlagTTLSeconds int `env:"SESSION_LOGOUT_FLAG_TTL_SECS, default=3600"`

	// CookieName is the session ticket cookie used by the interactive scheme.
	CookieName string `env:"SESSION_COOKIE_NAME, default=trustform-session"`

	// CookieKeysetFile is a Tink keyset (cleartext JSON) used to seal the
	// session ticket cookie. Required when the interactive scheme is enabled.
	CookieKeysetFile string `env:"SESSION_COOKIE_KEYSET_FILE"`

	// CookieDomain scopes the session cookie; empty uses the host default.
	CookieDomain string `env:"SESSION_COOKIE_DOMAIN"`

	// CookieSecure should only be disabled for local development.
	CookieSecure bool `env:"SESSION_COOKIE_SECURE, default=true"`
}

// IdentityConfig describes the external identity provider whose tokens this
// service consumes. The provider's protocol is not defined here; only the
// points of contact this service needs.
type IdentityConfig struct {
	// IssuerDomains are the accepted identity issuer domain substrings.
	// Tokens from other issuers are never auto-registered.
	IssuerDomains []string `env:"IDENTITY_ISSUER_DOMAINS, default=trustform.gov"`

	// TokenURL is the provider token endpoint used for silent refresh by the
	// interactive scheme. Refresh is disabled when empty.
	TokenURL string `env:"IDENTITY_TOKEN_URL"`

	// ClientID and ClientSecret identify this relying party to the provider
	// for the refresh grant.
	ClientID     string `env:"IDENTITY_CLIENT_ID"`
	ClientSecret string `env:"IDENTITY_CLIENT_SECRET"`

	// BearerIssuerURL enables JWT validation of bearer identity tokens on
	// API routes (headless mode). Validation is skipped when empty, e.g.
	// when a fronting gateway has already validated the token.
	BearerIssuerURL string `env:"IDENTITY_BEARER_ISSUER_URL"`
	BearerAudience  string `env:"IDENTITY_BEARER_AUDIENCE, default=trustform-portal"`
}

// ExchangeConfig describes the internal API's token exchange endpoint and the
// service principal used to call it.
type ExchangeConfig struct {
	URL string `env:"EXCHANGE_URL, required"`

	// Audience is the client assertion audience; defaults to URL when empty.
	Audience string `env:"EXCHANGE_AUDIENCE"`

	// ClientID identifies the service principal.
	ClientID string `env:"EXCHANGE_CLIENT_ID, required"`

	// PrivateKey (PEM) or PrivateKeyARN (AWS KMS) signs the service client
	// assertion. Exactly one must be configured.
	PrivateKey    string `env:"EXCHANGE_CLIENT_PRIVATE_KEY"`
	PrivateKeyARN string `env:"EXCHANGE_CLIENT_PRIVATE_KEY_ARN"`

	// ServiceTokenURL issues service tokens for background callers acting
	// without a signed-in user. Disabled when empty.
	ServiceTokenURL     string `env:"EXCHANGE_SERVICE_TOKEN_URL"`
	ServiceClientSecret string `env:"EXCHANGE_SERVICE_CLIENT_SECRET"`
}

// RegistrationConfig describes the user registration endpoint used when the
// exchange endpoint reports an unknown user.
type RegistrationConfig struct {
	URL string `env:"REGISTRATION_URL, required"`

	// TemplateID selects the registration template applied to new users.
	TemplateID string `env:"REGISTRATION_TEMPLATE_ID, default=citizen"`
}

// CacheConfig specifies cache configuration.
type CacheConfig struct {
	// Type selects the cache implementation: "memory" (default) or "valkey".
	// Memory is only suitable for single-instance deployments: logout flags
	// and cached tokens must be visible to every instance.
	Type string `env:"CACHE_TYPE, default=memory"`

	// Valkey holds distributed cache settings.
	Valkey ValkeyConfig

	// Encryption holds cache encryption settings.
	// Only supported with valkey cache type.
	Encryption CacheEncryptionConfig
}

// ValkeyConfig specifies distributed cache configuration.
type ValkeyConfig struct {
	// Address is the Valkey server address (host:port).
	Address string `env:"VALKEY_ADDRESS"`

	// TLS enables TLS connection to Valkey. Defaults to true so the secure
	// option is the default.
	TLS bool `env:"VALKEY_TLS, default=true"`

	// Username for Valkey authentication.
	Username string `env:"VALKEY_USERNAME"`

	// Password for Valkey authentication.
	Password string `env:"VALKEY_PASSWORD"`

	// IAMEnabled switches authentication to AWS ElastiCache IAM tokens.
	IAMEnabled bool `env:"VALKEY_IAM_ENABLED, default=false"`

	// IAMCacheName is the ElastiCache replication group or serverless cache
	// name used for IAM token generation.
	IAMCacheName string `env:"VALKEY_IAM_CACHE_NAME"`

	// IAMServerless must be set for serverless caches.
	IAMServerless bool `env:"VALKEY_IAM_SERVERLESS, default=false"`
}

// CacheEncryptionConfig holds settings for cache value encryption.
type CacheEncryptionConfig struct {
	// Enabled turns on encryption for cached tokens.
	// Requires CACHE_TYPE=valkey.
	Enabled bool `env:"CACHE_ENCRYPTION_ENABLED, default=false"`

	// KeysetFile is a Tink keyset (cleartext JSON) on disk, typically a
	// mounted secret.
	KeysetFile string `env:"CACHE_ENCRYPTION_KEYSET_FILE"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=session-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	if err := cfg.Cache.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid cache configuration: %w", err)
	}

	if err := cfg.Exchange.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid exchange configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the cache configuration is valid.
func (c *CacheConfig) Validate() error {
	// Encryption requires the distributed cache
	if c.Encryption.Enabled && c.Type != "valkey" {
		return fmt.Errorf("cache encryption requires CACHE_TYPE=valkey")
	}

	if c.Encryption.Enabled && c.Encryption.KeysetFile == "" {
		return fmt.Errorf("CACHE_ENCRYPTION_KEYSET_FILE required when encryption enabled")
	}

	// Valkey requires address
	if c.Type == "valkey" && c.Valkey.Address == "" {
		return fmt.Errorf("VALKEY_ADDRESS required when CACHE_TYPE=valkey")
	}

	if c.Valkey.IAMEnabled && c.Valkey.IAMCacheName == "" {
		return fmt.Errorf("VALKEY_IAM_CACHE_NAME required when VALKEY_IAM_ENABLED=true")
	}

	return nil
}

// Validate checks that the service principal signing key is configured
// unambiguously.
func (c *ExchangeConfig) Validate() error {
	if c.PrivateKey == "" && c.PrivateKeyARN == "" {
		return fmt.Errorf("one of EXCHANGE_CLIENT_PRIVATE_KEY or EXCHANGE_CLIENT_PRIVATE_KEY_ARN is required")
	}
	if c.PrivateKey != "" && c.PrivateKeyARN != "" {
		return fmt.Errorf("EXCHANGE_CLIENT_PRIVATE_KEY and EXCHANGE_CLIENT_PRIVATE_KEY_ARN are mutually exclusive")
	}
	return nil
}

// ExchangeAudience returns the configured assertion audience, defaulting to
// the exchange URL.
func (c *ExchangeConfig) ExchangeAudience() string {
	if c.Audience != "" {
		return c.Audience
	}
	return c.URL
}
