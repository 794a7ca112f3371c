// Package app wires the tuitui runtimes: configuration, logging, the dev broker HTTP server
// and the chat engine used by the CLI.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"tuitui/cmd/internal/broker"
	sectoken "tuitui/cmd/security/token"
	v1 "tuitui/shared/contracts/chat/v1"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the dev broker runtime: it owns the HTTP server, the broker and the database pool.
type App struct {
	cfg ServerConfig
	log Logger

	pool   *pgxpool.Pool
	broker *broker.Server
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg ServerConfig, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	hasher, err := sectoken.NewHasher([]byte(cfg.TokenHMACKey))
	if err != nil {
		return nil, err
	}

	store, pool, err := newMessageStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var ready func(context.Context) error
	switch {
	case pool != nil:
		ready = func(ctx context.Context) error { return PingDB(ctx, pool, 2*time.Second) }
	case cfg.ReadinessRequireDB:
		ready = func(context.Context) error { return errors.New("db not configured") }
	}

	srv := broker.NewServer(broker.Options{
		Logger:      log,
		Store:       store,
		Registry:    reg,
		RequireAuth: cfg.RequireAuth,
		StaticToken: cfg.StaticToken,
		TokenTTL:    cfg.TokenTTL,
		TokenHasher: hasher,
		Ready:       ready,
		Gateway: broker.GatewayConfig{
			AllowedOrigins:    cfg.Origins(),
			WriteTimeout:      cfg.WSWriteTimeout,
			SendQueueSize:     cfg.WSSendQueue,
			HeartbeatInterval: cfg.WSHeartbeat,
			RateEvents:        cfg.WSRateEvents,
			RateWindow:        cfg.WSRateWindow,
			ConnectTimeout:    cfg.WSConnectTimeout,
		},
	})

	return &App{cfg: cfg, log: log, pool: pool, broker: srv}, nil
}

// Broker returns the assembled broker.
func (a *App) Broker() *broker.Server { return a.broker }

// Handler returns the root handler with the app middleware applied.
func (a *App) Handler() http.Handler {
	return WithRequestLogging(WithSecurityHeaders(a.broker.Handler()), a.log)
}

// Run serves until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	// no ReadTimeout/WriteTimeout: they would cut long-lived websocket sessions
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"api_url", base,
		"ws_url", wsBaseURL(base)+v1.EndpointPath,
		"db_enabled", a.pool != nil,
		"require_auth", a.cfg.RequireAuth,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		if err != nil {
			a.log.Error("server.fail", "err", err)
			a.close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	// websocket sessions are hijacked and not tracked by Shutdown
	dropped := a.broker.DropConnections()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		a.close()
		return err
	}
	a.close()

	a.log.Info("server.stopped", "dropped_sessions", dropped)
	return nil
}

func (a *App) close() {
	if err := a.broker.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

// runtimeBaseURL turns a listen address into a URL clients can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// wsBaseURL maps an http(s) base URL to its ws(s) counterpart.
func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
