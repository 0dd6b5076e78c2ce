package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/justinas/alice"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/trustform/session-bridge/internal/audit"
	"github.com/trustform/session-bridge/internal/cache"
	"github.com/trustform/session-bridge/internal/config"
	"github.com/trustform/session-bridge/internal/encryption"
	"github.com/trustform/session-bridge/internal/exchange"
	"github.com/trustform/session-bridge/internal/identity"
	"github.com/trustform/session-bridge/internal/observe"
	"github.com/trustform/session-bridge/internal/outbound"
	"github.com/trustform/session-bridge/internal/registration"
	"github.com/trustform/session-bridge/internal/server"
	"github.com/trustform/session-bridge/internal/session"
	"github.com/trustform/session-bridge/internal/token"
)

func configureServerRoutes(ctx context.Context, cfg config.Config, hooks *server.ShutdownHooks) (http.Handler, error) {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// configure middleware
	auditor := audit.Middleware()

	bearerValidator, err := identity.BearerMiddleware(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("bearer validator configuration failed: %w", err)
	}

	// The request body size limit protects this service; the proxied internal
	// API applies its own limits.
	requestLimitBytes := int64(10 << 20) // 10 MB, forms can carry uploads
	requestLimiter := maxRequestSize(requestLimitBytes)

	// caches: exchanged tokens and logout flags share the backend but never
	// share keys
	logoutTTL := time.Duration(cfg.Session.LogoutFlagTTLSeconds) * time.Second

	tokens, err := cache.NewFromConfig[token.Token](ctx, cfg.Cache, time.Hour, 10_000)
	if err != nil {
		return nil, fmt.Errorf("token cache configuration failed: %w", err)
	}
	flags, err := cache.NewFromConfig[session.LogoutFlag](ctx, cfg.Cache, logoutTTL, 10_000)
	if err != nil {
		return nil, fmt.Errorf("logout flag cache configuration failed: %w", err)
	}

	cacheManager := session.NewCacheManager(tokens, flags, logoutTTL)
	hooks.AddClose("session caches", cacheManager)

	cookies, err := configureCookieStore(cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session cookie configuration failed: %w", err)
	}

	// schemes: interactive browser sessions and headless bearer callers
	headless := session.NewHeadlessScheme()
	registry := session.NewRegistry(session.NewInteractiveScheme(cfg.Identity), headless)
	registry.RegisterFallback("headless", headless)
	registry.RegisterFallback("test", headless)

	manager := session.NewManager(cacheManager, registry, cfg.Session)

	// outbound internal API pipeline: exchange with auto-registration, behind
	// the credential-attaching transport
	signer, err := exchange.NewSigner(ctx, cfg.Exchange)
	if err != nil {
		return nil, fmt.Errorf("exchange signer configuration failed: %w", err)
	}

	exchanger := outbound.NewAutoRegistering(
		exchange.NewClient(cfg.Exchange, signer, http.DefaultClient),
		registration.NewClient(cfg.Registration, http.DefaultClient),
		cfg.Identity.IssuerDomains,
	)
	serviceTokens := exchange.NewServiceTokenSource(cfg.Exchange, http.DefaultClient)

	internalClient := &http.Client{
		Transport: outbound.NewTransport(http.DefaultTransport, manager, exchanger, serviceTokens),
		Timeout:   30 * time.Second,
	}

	internalAPIURL, err := url.Parse(cfg.Server.InternalAPIURL)
	if err != nil {
		return nil, fmt.Errorf("parsing internal API URL: %w", err)
	}

	sessionChain := alice.New(
		requestLimiter,
		auditor,
		bearerValidator,
		session.Authenticate(cookies),
		session.Middleware(manager, cookies, cfg.Server.SignInURL),
	)

	mux.Handle("GET /api/session", sessionChain.Then(handleSessionStatus(manager)))
	mux.Handle("POST /signout", sessionChain.Then(handleSignOut(manager, cookies, cfg.Server.SignInURL)))

	// everything else proxies to the internal API with exchanged credentials
	mux.Handle("/", sessionChain.Then(handleApplicationProxy(internalClient, internalAPIURL)))

	// healthchecks are not included in telemetry or authentication
	muxWithoutTelemetry.Handle("GET /healthcheck", alice.New(requestLimiter).Then(handleHealthCheck()))

	return mux, nil
}

func configureCookieStore(cfg config.SessionConfig) (*session.CookieStore, error) {
	// without a keyset the interactive scheme is disabled: bearer-only
	// deployments (e.g. behind a gateway terminating sessions) run this way
	if cfg.CookieKeysetFile == "" {
		log.Info().Msg("no session cookie keyset configured; interactive sessions disabled")
		return nil, nil
	}

	aead, err := encryption.NewAEADFromFile(cfg.CookieKeysetFile)
	if err != nil {
		return nil, fmt.Errorf("loading cookie keyset: %w", err)
	}
	if err := encryption.Validate(aead); err != nil {
		return nil, fmt.Errorf("validating cookie keyset: %w", err)
	}

	return session.NewCookieStore(aead, cfg), nil
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	// configure telemetry, including wrapping the default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	hooks.AddContext("telemetry", shutdownTelemetry)

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	// setup routing and dependencies
	handler, err := configureServerRoutes(ctx, cfg, hooks)
	if err != nil {
		return fmt.Errorf("server routing configuration failed: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = serveHTTP(ctx, cfg.Server, httpServer, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// serveHTTP runs the server until interrupted, then drains in-flight
// requests and executes the shutdown hooks.
func serveHTTP(ctx context.Context, cfg config.ServerConfig, httpServer *http.Server, hooks *server.ShutdownHooks) error {
	notifyCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("server starting")
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-notifyCtx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(ctx,
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown incomplete")
	}

	hooks.Execute(shutdownCtx)

	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
