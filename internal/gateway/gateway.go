// ABOUTME: Gateway orchestrator wiring the HTTP API to the relay pipeline
// ABOUTME: Manages backend client, registry, store, dedupe and listener lifecycle

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/directline"
	"github.com/2389/relay-gateway/internal/relay"
	"github.com/2389/relay-gateway/internal/store"
)

// Gateway orchestrates the relay-gateway server components.
// It owns the backend client, the session registry, the relay coordinator
// and the HTTP server that exposes them.
type Gateway struct {
	config      *config.Config
	backend     *directline.Client
	registry    *relay.Registry
	coordinator *relay.Coordinator
	broadcaster *Broadcaster
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// store is nil when the transcript store is disabled
	store store.Store

	// dedupe guards against re-processing retried channel deliveries
	dedupe dedupe.Guard

	// verifier is nil when auth mode is "none"
	verifier auth.TokenVerifier

	// serverID identifies this gateway instance
	serverID string
}

// initStore creates the transcript store, or returns nil when disabled.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Store.Path
	if envPath := os.Getenv("RELAY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initDedupe creates the delivery dedupe guard based on config.
// A configured redis_addr selects the cross-process Redis guard; otherwise
// the in-memory guard covers a single gateway instance.
func initDedupe(cfg *config.Config, logger *slog.Logger) (dedupe.Guard, error) {
	if cfg.Dedupe.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		guard, err := dedupe.NewRedisGuard(ctx, cfg.Dedupe.RedisAddr, cfg.Dedupe.TTL)
		if err != nil {
			return nil, fmt.Errorf("initializing redis dedupe: %w", err)
		}
		logger.Info("redis dedupe enabled", "addr", cfg.Dedupe.RedisAddr)
		return guard, nil
	}
	return dedupe.NewMemoryGuard(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize), nil
}

// newVerifier creates the token verifier selected by auth mode.
// Returns nil when auth is disabled.
func newVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	switch cfg.Auth.Mode {
	case "jwt":
		if cfg.Auth.JWTSecret == "" {
			return nil, fmt.Errorf("auth mode jwt requires auth.jwt_secret")
		}
		logger.Info("API auth enabled", "mode", "jwt")
		return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)), nil
	case "static":
		if len(cfg.Auth.StaticTokens) == 0 {
			return nil, fmt.Errorf("auth mode static requires auth.static_tokens")
		}
		logger.Info("API auth enabled", "mode", "static", "tokens", len(cfg.Auth.StaticTokens))
		return auth.NewStaticVerifier(cfg.Auth.StaticTokens), nil
	case "", "none":
		logger.Warn("API auth disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	guard, err := initDedupe(cfg, logger)
	if err != nil {
		return nil, err
	}

	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return nil, err
	}

	backend := directline.NewClient(cfg.Backend.BaseURL, cfg.Backend.Secret, cfg.Backend.RequestTimeout)
	registry := relay.NewRegistry(backend, cfg.Relay.SessionIdleEviction, logger)
	poller := relay.NewPoller(backend, cfg.Backend.AgentName, cfg.Relay.PollInterval, cfg.Relay.MaxAttempts(), logger)

	var recorder relay.Recorder
	if s != nil {
		recorder = &storeRecorder{store: s}
	}

	gw := &Gateway{
		config:      cfg,
		backend:     backend,
		registry:    registry,
		coordinator: relay.NewCoordinator(registry, backend, poller, recorder, logger),
		broadcaster: NewBroadcaster(logger),
		store:       s,
		dedupe:      guard,
		verifier:    verifier,
		logger:      logger.With("component", "gateway"),
		serverID:    generateServerID(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           gw.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// router builds the chi router with middleware and all API routes.
func (g *Gateway) router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health endpoints stay outside auth.
	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	r.Route("/api", func(api chi.Router) {
		if g.verifier != nil {
			api.Use(auth.Middleware(g.verifier, g.config.Auth.Mode, g.logger))
		}
		api.Post("/conversations", g.handleCreateConversation)
		api.Post("/send", g.handleSendMessage)
		api.Get("/conversations", g.handleListConversations)
		api.Get("/conversations/{conversationKey}/history", g.handleHistory)
		api.Get("/conversations/{conversationKey}/events", g.handleEvents)
	})

	return r
}

// loggingMiddleware logs each HTTP request with method, path, status and latency.
func (g *Gateway) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		latency := time.Since(start)
		g.logger.InfoContext(r.Context(), "HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"latency", latency.String(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)
	})
}

// Run starts the gateway server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(listener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "addr", g.config.Server.Addr())
	ln, err := net.Listen("tcp", g.config.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.Addr(), err)
	}
	return ln, nil
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "server_id", g.serverID)
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or a server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "relay-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", fmt.Errorf("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	g.logTailscaleStatus(tsCfg.Hostname, status)

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	}

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the gateway and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	if g.dedupe != nil {
		errs = appendCloseError(errs, "dedupe close", g.dedupe.Close())
	}

	g.registry.Close()
	g.broadcaster.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the gateway can reach its dependencies.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := g.store.Ping(ctx); err != nil {
			g.logger.Warn("readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", g.registry.Len())
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return fmt.Sprintf("relay-gateway-%d", time.Now().UnixNano()%1000000)
}
