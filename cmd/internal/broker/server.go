package broker

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	sectoken "tuitui/cmd/security/token"
	v1 "tuitui/shared/contracts/chat/v1"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options configures a Server.
type Options struct {
	Logger *slog.Logger
	// Store defaults to an in-memory store.
	Store MessageStore
	// Registry receives the broker collectors and backs /metrics. A fresh registry is used when nil.
	Registry *prometheus.Registry

	Gateway GatewayConfig

	// RequireAuth demands a bearer token on REST calls and CONNECT frames. Accepted tokens are
	// StaticToken and any live token of the dev issuer.
	RequireAuth bool
	StaticToken string
	TokenTTL    time.Duration
	// TokenHasher digests issued tokens; nil means plain SHA-256.
	TokenHasher *sectoken.Hasher

	// Ready is an extra readiness probe, e.g. a database ping.
	Ready func(ctx context.Context) error
}

// Server is the assembled dev broker: gateway, REST API, hub and store.
type Server struct {
	log      *slog.Logger
	store    MessageStore
	hub      *Hub
	tokens   *TokenIssuer
	gateway  *Gateway
	api      *API
	registry *prometheus.Registry
	ready    func(ctx context.Context) error
	handler  http.Handler
}

// NewServer assembles a broker from opts.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	store := opts.Store
	if store == nil {
		store = NewInMemoryStore()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		log:      log,
		store:    store,
		hub:      NewHub(log, NewMetrics(reg)),
		tokens:   NewTokenIssuer(opts.TokenTTL, opts.TokenHasher),
		registry: reg,
		ready:    opts.Ready,
	}

	var auth Authorizer
	if opts.RequireAuth {
		static := opts.StaticToken
		auth = func(token string) bool {
			if static != "" && subtle.ConstantTimeCompare([]byte(token), []byte(static)) == 1 {
				return true
			}
			return s.tokens.Valid(token)
		}
	}

	s.gateway = NewGateway(log, s.hub, store, auth, opts.Gateway)
	s.api = NewAPI(log, store, s.tokens, auth)
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.ready(ctx); err != nil {
				s.log.Info("readyz.not_ready", "err", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.api.Register(r)
	r.Handle(v1.EndpointPath, s.gateway)
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the topic hub.
func (s *Server) Hub() *Hub { return s.hub }

// Store returns the message store.
func (s *Server) Store() MessageStore { return s.store }

// Tokens returns the dev token issuer.
func (s *Server) Tokens() *TokenIssuer { return s.tokens }

// DropConnections aborts every websocket session.
func (s *Server) DropConnections() int { return s.hub.DropConnections() }

// SubscribeCount returns the SUBSCRIBE frames accepted for roomID.
func (s *Server) SubscribeCount(roomID int64) int { return s.hub.SubscribeCount(roomID) }

// Close releases the store.
func (s *Server) Close() error { return s.store.Close() }
