// ABOUTME: Gateway orchestrator wiring store, registry, broadcaster, AI, and HTTP server
// ABOUTME: Manages listener setup (TCP or Tailscale) and graceful shutdown

package gateway

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/chorus-im/chorus/internal/ai"
	"github.com/chorus-im/chorus/internal/auth"
	"github.com/chorus-im/chorus/internal/broadcast"
	"github.com/chorus-im/chorus/internal/config"
	"github.com/chorus-im/chorus/internal/dedupe"
	"github.com/chorus-im/chorus/internal/registry"
	"github.com/chorus-im/chorus/internal/session"
	"github.com/chorus-im/chorus/internal/store"
	"github.com/chorus-im/chorus/internal/transport"
)

// Gateway orchestrates the chorus-gateway server components: the session
// registry, event broadcaster, AI responder, and the HTTP API server.
type Gateway struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Registry
	broadcaster *broadcast.Broadcaster
	responder   *ai.Responder
	verifier    *auth.JWTVerifier
	seen        *dedupe.Cache
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
	startedAt   time.Time
}

// initStore creates a store based on config and environment.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CHORUS_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// resolveJWTSecret returns the configured secret, generating an ephemeral
// one when none is set. Ephemeral secrets invalidate all tokens on restart.
func resolveJWTSecret(cfg *config.Config, logger *slog.Logger) []byte {
	if cfg.Auth.JWTSecret != "" {
		return []byte(cfg.Auth.JWTSecret)
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("reading random bytes: " + err.Error())
	}
	logger.Warn("auth.jwt_secret not set, generated an ephemeral secret; tokens will not survive a restart")
	return []byte(hex.EncodeToString(buf))
}

// New creates a Gateway. The dialer decides which chat network integration
// sessions use; pass the loopback dialer for local development.
func New(cfg *config.Config, dialer transport.Dialer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	broadcaster := broadcast.New(logger)
	seen := dedupe.New(5*time.Minute, 100_000)
	responder := ai.NewResponder(s, cfg.AI)
	verifier := auth.NewJWTVerifier(resolveJWTSecret(cfg, logger))

	sessionFactory := func(instanceID, ownerID string) *session.Session {
		return session.New(instanceID, ownerID, session.Deps{
			Store:       s,
			Dialer:      dialer,
			Broadcaster: broadcaster,
			Replier:     responder,
			Seen:        seen,
			Logger:      logger,
		})
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		registry:    registry.New(sessionFactory, logger),
		broadcaster: broadcaster,
		responder:   responder,
		verifier:    verifier,
		seen:        seen,
		logger:      logger.With("component", "gateway"),
		startedAt:   time.Now(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux. Auth routes and /health are public; everything
// else under /api/ goes through the JWT middleware.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("POST /api/auth/register", g.handleRegister)
	mux.HandleFunc("POST /api/auth/login", g.handleLogin)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/me", g.handleMe)

	api.HandleFunc("POST /api/instances", g.handleCreateInstance)
	api.HandleFunc("GET /api/instances", g.handleListInstances)
	api.HandleFunc("GET /api/instances/{id}", g.handleGetInstance)
	api.HandleFunc("PATCH /api/instances/{id}", g.handleUpdateInstance)
	api.HandleFunc("DELETE /api/instances/{id}", g.handleDeleteInstance)
	api.HandleFunc("POST /api/instances/{id}/connect", g.handleConnectInstance)
	api.HandleFunc("POST /api/instances/{id}/disconnect", g.handleDisconnectInstance)
	api.HandleFunc("POST /api/instances/{id}/send", g.handleSendMessage)

	api.HandleFunc("GET /api/contacts", g.handleListContacts)
	api.HandleFunc("PATCH /api/contacts/{id}", g.handleUpdateContact)
	api.HandleFunc("GET /api/messages", g.handleListMessages)

	api.HandleFunc("GET /api/ai/settings", g.handleGetAISettings)
	api.HandleFunc("PUT /api/ai/settings", g.handlePutAISettings)
	api.HandleFunc("POST /api/ai/test", g.handleTestAI)

	api.HandleFunc("GET /api/events", g.handleEvents)

	authMW := auth.HTTPAuthMiddleware(g.store, g.verifier)
	mux.Handle("/api/", authMW(api))

	return mux
}

// Run starts the gateway and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners creates the HTTP listener based on configuration.
func (g *Gateway) setupListeners(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
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
	return filepath.Join(homeDir, ".local", "share", "chorus-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", fmt.Errorf("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
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

	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
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

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown stops all components: sessions first so their final state lands
// in the store, then the HTTP server, then shared infrastructure.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.registry.Shutdown()

	var firstErr error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Error("HTTP server shutdown failed", "error", err)
		firstErr = err
	}

	g.broadcaster.Close()
	g.seen.Close()

	if g.tsnetServer != nil {
		if err := g.tsnetServer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := g.store.Close(); err != nil {
		g.logger.Error("store close failed", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	g.logger.Info("gateway shutdown complete")
	return firstErr
}
