// Package ops serves the operational HTTP surface: health and readiness
// probes, a JSON status report, Prometheus metrics, and optionally pprof.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"remindd/internal/observability/metrics"
	logx "remindd/pkg/logx"
)

// Config controls the ops server.
type Config struct {
	Enabled       bool
	Addr          string // default "127.0.0.1:8722"
	Token         string // optional bearer token
	AllowInsecure bool   // allow non-loopback bind without a token
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = "127.0.0.1:8722"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = time.Minute
	}
	return c
}

// StatusFunc produces the JSON body for /status. The server owns no
// engine state; the app wires this in.
type StatusFunc func(ctx context.Context) any

// ReadyFunc reports readiness for /readyz.
type ReadyFunc func(ctx context.Context) error

// Server manages the ops listener lifecycle. Apply is reload-safe: a
// changed address restarts the listener, an unchanged one is left alone.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string
	cfg  Config

	status StatusFunc
	ready  ReadyFunc
}

func NewServer(log logx.Logger, status StatusFunc, ready ReadyFunc) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{
		log:    log.With(logx.String("comp", "ops")),
		status: status,
		ready:  ready,
	}
}

// Apply starts/stops/restarts the server according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.cfg == cfg {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	if !cfg.AllowInsecure && strings.TrimSpace(cfg.Token) == "" && !loopbackAddr(cfg.Addr) {
		s.log.Warn("refusing to serve ops on a non-loopback address without a token",
			logx.String("addr", cfg.Addr))
		return
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.routes(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("ops listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()
	s.cfg = cfg

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("ops server error", logx.Err(err))
		}
	}()
	s.log.Info("ops server listening", logx.String("addr", s.addr), logx.Bool("pprof", cfg.Pprof))
}

func (s *Server) routes(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Liveness stays unauthenticated so probes keep working.
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	r.Group(func(r chi.Router) {
		if strings.TrimSpace(cfg.Token) != "" {
			r.Use(bearerAuth(cfg.Token))
		}

		r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
			if s.ready != nil {
				if err := s.ready(req.Context()); err != nil {
					http.Error(w, err.Error(), http.StatusServiceUnavailable)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
		})

		r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
			var body any = map[string]string{"status": "running"}
			if s.status != nil {
				body = s.status(req.Context())
			}
			w.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			_ = enc.Encode(body)
		})

		r.Method(http.MethodGet, "/metrics", metrics.Handler())

		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/", pprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", pprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
	})

	return r
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv := s.srv
	ln := s.ln
	addr := s.addr
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("ops shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("ops server stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := "Bearer " + token
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != want {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func loopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
