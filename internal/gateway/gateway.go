// ABOUTME: Gateway orchestrator that wires the registry, health checker, dispatcher, and HTTP server
// ABOUTME: Manages listener setup (TCP or Tailscale), startup seeding, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/nexusgate/nexus-gateway/internal/config"
	"github.com/nexusgate/nexus-gateway/internal/dispatch"
	"github.com/nexusgate/nexus-gateway/internal/health"
	"github.com/nexusgate/nexus-gateway/internal/registry"
	"github.com/nexusgate/nexus-gateway/internal/session"
	"github.com/nexusgate/nexus-gateway/internal/store"
)

// Gateway orchestrates the nexus-gateway server components.
// It owns the backend registry, the health checker, the dispatcher, the
// session orchestrator, and the HTTP server that exposes them.
type Gateway struct {
	config       *config.Config
	registry     *registry.Registry
	checker      *health.Checker
	dispatcher   *dispatch.Dispatcher
	orchestrator *session.Orchestrator
	store        store.Store
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// serverID identifies this gateway instance
	serverID string

	// baseCtx scopes background work spawned by handlers (such as the
	// post-registration probe) to the gateway lifetime
	baseCtx    context.Context
	baseCancel context.CancelFunc

	// checkerCancel stops the background health loop on shutdown
	checkerCancel context.CancelFunc
	checkerDone   chan struct{}
}

// initStore creates the session history store based on config and environment.
// An empty path selects the in-memory store: history then lives for the
// process lifetime only.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("NEXUS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	if dbPath == "" {
		return store.NewMemoryStore(), nil
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	var regOpts []registry.Option
	if cfg.Health.UnhealthyThreshold > 0 {
		regOpts = append(regOpts, registry.WithUnhealthyThreshold(cfg.Health.UnhealthyThreshold))
	}
	if cfg.Health.RemovalThreshold > 0 {
		regOpts = append(regOpts, registry.WithRemovalThreshold(cfg.Health.RemovalThreshold))
	}
	reg := registry.New(logger, regOpts...)

	checker, err := health.NewChecker(reg, health.Config{
		Interval: cfg.Health.CheckInterval,
		Timeout:  cfg.Health.ProbeTimeout,
	}, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	dispatcher := dispatch.New(reg, dispatch.Config{
		RequestTimeout: cfg.Dispatch.RequestTimeout,
		IdleTimeout:    cfg.Dispatch.StreamIdleTimeout,
	}, logger)

	serverID := generateServerID()
	baseCtx, baseCancel := context.WithCancel(context.Background())

	gw := &Gateway{
		config:       cfg,
		registry:     reg,
		checker:      checker,
		dispatcher:   dispatcher,
		orchestrator: session.New(s, dispatcher, reg, logger),
		store:        s,
		logger:       logger.With("component", "gateway", "server_id", serverID),
		serverID:     serverID,
		baseCtx:      baseCtx,
		baseCancel:   baseCancel,
	}

	if err := gw.seedBackends(cfg.Backends); err != nil {
		_ = s.Close()
		return nil, err
	}

	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)

	// Admin API for backend registration
	mux.HandleFunc("/admin/servers", gw.handleServers)
	mux.HandleFunc("/admin/servers/register", gw.handleRegisterServer)
	mux.HandleFunc("/admin/servers/", gw.handleServerByID)

	// Session API
	mux.HandleFunc("/responses", gw.handleResponses)
	mux.HandleFunc("/chat/sessions", gw.handleListSessions)
	mux.HandleFunc("/chat/sessions/", gw.handleSessionByID)
	mux.HandleFunc("/chat/history/", gw.handleSessionHistory)

	// OpenAI-compatible surface
	mux.HandleFunc("/v1/models", gw.handleListModels)
	mux.HandleFunc("/v1/", gw.handleProxy)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// seedBackends registers the backends listed in config, equivalent to
// POST /admin/servers for each at boot.
func (g *Gateway) seedBackends(backends []config.BackendConfig) error {
	for i, b := range backends {
		kind, err := registry.ParseKind(b.Kind)
		if err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
		if _, err := g.registry.Register(kind, b.BaseURL, b.APIKey); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
	}
	return nil
}

// Handler exposes the HTTP handler. Used by tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Run starts the gateway and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the
// server fails.
func (g *Gateway) Run(ctx context.Context) error {
	listener, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	g.startHealthLoop(ctx)

	errCh := g.startServer(listener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// startHealthLoop runs the health checker in the background: one immediate
// cycle so seeded backends get probed before the first interval elapses,
// then the periodic loop.
func (g *Gateway) startHealthLoop(ctx context.Context) {
	checkerCtx, cancel := context.WithCancel(ctx)
	g.checkerCancel = cancel
	g.checkerDone = make(chan struct{})

	go func() {
		defer close(g.checkerDone)
		g.checker.CheckNow(checkerCtx)
		g.checker.Run(checkerCtx)
	}()
}

// setupListener creates the HTTP listener based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// warnIgnoredAddresses logs a warning if a server address is configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// startServer starts the HTTP server in a goroutine, returning an error channel.
func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
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
	return filepath.Join(homeDir, ".local", "share", "nexus-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable (get one at https://login.tailscale.com/admin/settings/keys)")
	}
	return authKey, nil
}

// setupTailscaleListener creates a tsnet server and returns the HTTP listener.
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

	return g.createTailscaleHTTPListener(tsCfg)
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

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.CertFile != "" && tsCfg.KeyFile != "":
		return g.createTailscaleTLSListener(tsCfg)
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using the configured cert files.
func (g *Gateway) createTailscaleTLSListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	g.logger.Info("enabling HTTPS on :443", "cert_file", tsCfg.CertFile)
	cert, err := tls.LoadX509KeyPair(tsCfg.CertFile, tsCfg.KeyFile)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("loading TLS certificate: %w", err)
	}
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
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

	g.baseCancel()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.checkerCancel != nil {
		g.checkerCancel()
		select {
		case <-g.checkerDone:
		case <-ctx.Done():
		}
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.orchestrator.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

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

// handleReady returns 200 OK if at least one backend is registered.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no backends registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d backends)", n)
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "nexus-gateway-" + uuid.NewString()[:8]
}
