// ABOUTME: Gateway orchestrator that runs the core behind HTTP/WebSocket and gRPC health servers
// ABOUTME: Wires optional tailscale listener, activity ledger, and NATS relay from config

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/sbc-gateway/internal/config"
	"github.com/2389/sbc-gateway/internal/relay"
	"github.com/2389/sbc-gateway/internal/store"
	"github.com/2389/sbc-gateway/internal/transport/ws"
)

// HealthService is the grpc.health.v1 service name reported alongside the
// overall ("") status.
const HealthService = "sbc.gateway"

// Gateway orchestrates the sbc-gateway server components.
// It owns one Core and exposes it over WebSocket, an HTTP API, and
// optionally a gRPC health endpoint.
type Gateway struct {
	config      *config.Config
	core        *Core
	wsListener  *ws.Listener
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// store and recorder are nil when the ledger is disabled
	store    store.Store
	recorder *store.Recorder

	// relay is nil when no NATS URL is configured
	relay *relay.Relay

	consumers    sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the activity ledger, or returns nil when it is disabled.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Ledger.Path
	if envPath := os.Getenv("SBC_LEDGER_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath == "" {
		return nil, nil
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}
	return s, nil
}

// createGRPCServer creates the gRPC server carrying only the health service.
func createGRPCServer(hs *health.Server) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(server, hs)
	return server
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	gw := &Gateway{
		config: cfg,
		core:   NewCore(logger),
		store:  s,
		logger: logger.With("component", "gateway"),
	}
	if s != nil {
		gw.recorder = store.NewRecorder(s, logger)
	}

	if cfg.Relay.NATSURL != "" {
		r, err := relay.Connect(cfg.Relay.NATSURL, cfg.Relay.SubjectPrefix, logger)
		if err != nil {
			gw.closeLedger()
			return nil, err
		}
		gw.relay = r
	}

	gw.wsListener = ws.NewListener(cfg.Server.ListenAddr, ws.Options{
		ReadLimit:      cfg.Transport.ReadLimit,
		WriteTimeout:   cfg.Transport.WriteTimeout,
		PingInterval:   cfg.Transport.PingInterval,
		AllowedOrigins: cfg.Transport.AllowedOrigins,
		Logger:         logger,
	})

	gw.health = health.NewServer()
	gw.setServing(false)
	if cfg.Server.GRPCAddr != "" {
		gw.grpcServer = createGRPCServer(gw.health)
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the HTTP mux: health, the WebSocket endpoint, and the API.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)
	mux.Handle(g.config.Server.WSPath, g.wsListener)
	mux.HandleFunc("/api/entities", g.handleListEntities)
	mux.HandleFunc("/api/entities/", g.handleEntityRoutes)
	return mux
}

// Core returns the gateway core so callers can register handlers or
// subscribe to notifications before Run.
func (g *Gateway) Core() *Core { return g.core }

// Handler returns the HTTP handler serving the API and WebSocket endpoint.
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

func (g *Gateway) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthService, status)
}

// startConsumers attaches the ledger and relay to the notification stream.
// Their subscriptions end when the core closes the hub, so the final
// Disconnected notifications are still delivered during shutdown.
func (g *Gateway) startConsumers(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if g.recorder != nil {
		ch := g.core.Notifications(ctx)
		g.consumers.Add(1)
		go func() {
			defer g.consumers.Done()
			g.recorder.Run(ctx, ch)
		}()
	}
	if g.relay != nil {
		ch := g.core.Notifications(ctx)
		g.consumers.Add(1)
		go func() {
			defer g.consumers.Done()
			g.relay.Run(ctx, ch)
		}()
	}
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"listen_addr", g.config.Server.ListenAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.ListenAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return httpLn, grpcLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.ListenAddr != "" {
		g.logger.Warn("server.listen_addr is ignored when tailscale is enabled",
			"listen_addr", g.config.Server.ListenAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the gateway servers and blocks until the context is canceled
// or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.startConsumers(ctx)
	if err := g.core.Start(ctx, g.wsListener); err != nil {
		_ = httpLn.Close()
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return errors.Join(fmt.Errorf("starting core: %w", err), g.gracefulShutdown())
	}
	g.setServing(true)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String(), "ws_path", g.config.Server.WSPath)
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
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
	return filepath.Join(homeDir, ".local", "share", "sbc-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and listens on :80 for
// HTTP/WebSocket and :50051 for gRPC health.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
		if err != nil {
			_ = httpLn.Close()
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}
	return httpLn, grpcLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) closeLedger() error {
	if g.store == nil {
		return nil
	}
	return g.store.Close()
}

// Shutdown gracefully stops all gateway servers and releases resources.
// Sessions are closed before the ledger and relay so their Disconnected
// notifications are still recorded. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "core close", g.core.Close())
	g.consumers.Wait()

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	if g.relay != nil {
		errs = appendCloseError(errs, "relay close", g.relay.Close())
	}
	errs = appendCloseError(errs, "ledger close", g.closeLedger())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the core is accepting connections.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if !g.core.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not accepting connections"))
		return
	}
	_, online := g.core.Counts()
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d entities online)", online)
}
