package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/clawinfra/sandboxgate/internal/scheduler"
	"github.com/clawinfra/sandboxgate/internal/security"
	"github.com/clawinfra/sandboxgate/internal/terminal"
)

// DevUserHeader selects the acting user in dev mode, where no token is required.
const DevUserHeader = "X-Sandbox-User"

// Options configures the API server.
type Options struct {
	Host    string
	Port    int
	Version string
	// JWTSecret signs API tokens. Without it every request is refused unless
	// DevMode is set.
	JWTSecret []byte
	DevMode   bool
}

// Server is the HTTP API server
type Server struct {
	opts       Options
	gate       *security.Gate
	detector   *security.Detector
	events     *security.EventLog
	terminals  *terminal.Manager
	scheduler  *scheduler.Scheduler
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server
func NewServer(
	opts Options,
	gate *security.Gate,
	detector *security.Detector,
	events *security.EventLog,
	terminals *terminal.Manager,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		opts:      opts,
		gate:      gate,
		detector:  detector,
		events:    events,
		terminals: terminals,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the API with authentication and authorization applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/check/{kind}", s.handleCheck)
	mux.HandleFunc("GET /api/sandbox/env", s.handleSandboxEnv)
	mux.HandleFunc("GET /api/events/me", s.handleMyEvents)
	mux.HandleFunc("GET /api/events", s.handleAllEvents)
	mux.HandleFunc("GET /api/terminal", s.handleTerminalWS)

	mux.HandleFunc("GET /api/admin/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/admin/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("PATCH /api/admin/jobs/{id}", s.handleUpdateJob)
	mux.HandleFunc("POST /api/admin/jobs/{id}/run", s.handleRunJob)

	var h http.Handler = mux
	h = security.RequirePermission()(h)
	h = security.AuthMiddleware(s.opts.JWTSecret)(h)
	return s.corsMiddleware(s.loggingMiddleware(h))
}

// Start starts the HTTP server and blocks until ctx is done or it fails.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		// No read/write timeout: terminal websockets are long-lived.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.opts.JWTSecret == nil {
		if s.opts.DevMode {
			s.logger.Warn("JWT auth disabled (dev mode), requests act as " + DevUserHeader + " or tester")
		} else {
			s.logger.Warn("no JWT secret configured, all API requests will be refused")
		}
	}
	s.logger.Info("API server starting", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.terminals != nil {
			s.terminals.CloseAll()
		}
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// caller returns the identity a request acts as. With a token it comes from
// the claims; in dev mode it is an unprivileged user.
func (s *Server) caller(r *http.Request) (security.Caller, bool) {
	if claims, err := security.GetClaims(r); err == nil {
		return claims.Caller(), true
	}
	if s.opts.JWTSecret == nil && s.opts.DevMode {
		user := r.Header.Get(DevUserHeader)
		if user == "" {
			user = "dev"
		}
		return security.Caller{UserID: user}, true
	}
	return security.Caller{}, false
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+DevUserHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
