package http

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/config"
	"github.com/sawpanic/admitgate/internal/net/ratelimit"
	"github.com/sawpanic/admitgate/internal/persistence"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFrom returns the request ID set by the server middleware.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Deps are the collaborators behind the HTTP surface. Only Engine is
// required; absent optional deps leave their routes unregistered.
type Deps struct {
	Engine    Engine
	Overrides OverrideStore
	Audit     persistence.AuditRepo
	Checks    map[string]HealthCheck
	Metrics   http.Handler
	Stream    *DecisionHub
	Version   string
}

// Server is the admission HTTP server
type Server struct {
	router   *mux.Router
	server   *http.Server
	handlers *Handlers
	limiter  *ratelimit.Limiter
	config   config.ServerConfig
}

// defaultMaxClockSkew applies when the config leaves max_clock_skew unset.
const defaultMaxClockSkew = 5 * time.Second

// NewServer wires routes and middleware. It does not listen until Start.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = defaultMaxClockSkew
	}
	s := &Server{
		router: mux.NewRouter(),
		handlers: &Handlers{
			engine:    deps.Engine,
			overrides: deps.Overrides,
			audit:     deps.Audit,
			checks:    deps.Checks,
			version:   deps.Version,
			started:   time.Now(),
			now:       time.Now,
			maxSkew:   cfg.MaxClockSkew,
		},
		limiter: ratelimit.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
		config:  cfg,
	}
	s.setupRoutes(deps.Metrics, deps.Stream)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(metrics http.Handler, stream *DecisionHub) {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)

	s.router.HandleFunc("/health", s.json(s.handlers.Health)).Methods(http.MethodGet)
	if metrics != nil {
		s.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.rateLimitMiddleware)
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/admission/evaluate", s.handlers.Evaluate).Methods(http.MethodPost)
	api.HandleFunc("/config/effective", s.handlers.EffectiveConfig).Methods(http.MethodGet)
	api.HandleFunc("/exposure", s.handlers.Exposure).Methods(http.MethodGet)
	api.HandleFunc("/cooldown/reset", s.handlers.ResetCooldowns).Methods(http.MethodPost)
	if s.handlers.overrides != nil {
		api.HandleFunc("/config/overrides", s.handlers.AddOverride).Methods(http.MethodPost)
	}
	if s.handlers.audit != nil {
		api.HandleFunc("/audit", s.handlers.AuditBySymbol).Methods(http.MethodGet)
		api.HandleFunc("/audit/summary", s.handlers.AuditSummary).Methods(http.MethodGet)
		api.HandleFunc("/audit/{request_id}", s.handlers.AuditByRequest).Methods(http.MethodGet)
	}
	if stream != nil {
		api.HandleFunc("/decisions/stream", stream.ServeWS).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = s.requestIDMiddleware(http.HandlerFunc(s.handlers.NotFound))
}

func (s *Server) json(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		h(w, r)
	}
}

// requestIDMiddleware propagates X-Request-ID, generating one when absent
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requestLoggingMiddleware logs all requests with structured fields
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		log.Debug().
			Str("request_id", RequestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// rateLimitMiddleware applies the per-client token bucket. Clients are
// identified by API key when one is sent, otherwise by remote host.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		if !s.limiter.Allow(key) {
			retry := s.limiter.RetryAfter(key)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			log.Warn().Str("client", key).Str("path", r.URL.Path).Msg("Rate limit exceeded")
			s.handlers.writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return "key:" + k
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Handler exposes the routed handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens until Shutdown. A clean shutdown returns nil.
func (s *Server) Start() error {
	log.Info().
		Str("addr", s.config.Addr).
		Float64("rate_limit_rps", s.config.RateLimitRPS).
		Msg("Starting admission HTTP server")

	go s.pruneLimiter()
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// pruneLimiter drops idle client buckets until the server closes.
func (s *Server) pruneLimiter() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	done := make(chan struct{})
	s.server.RegisterOnShutdown(func() { close(done) })
	for {
		select {
		case <-ticker.C:
			if n := s.limiter.Prune(10 * time.Minute); n > 0 {
				log.Debug().Int("clients", n).Msg("Pruned idle rate-limit buckets")
			}
		case <-done:
			return
		}
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the decision stream upgrade through the logging middleware.
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
