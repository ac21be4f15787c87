package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mattjoyce/siphon/internal/auth"
	"github.com/mattjoyce/siphon/internal/events"
	"github.com/mattjoyce/siphon/internal/queue"
	"github.com/mattjoyce/siphon/internal/status"
)

// WorkQueue is the part of the durable queue the API writes to.
type WorkQueue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Depth(ctx context.Context) (int, error)
}

// StatusStore is the part of the status store the API reads and writes.
type StatusStore interface {
	Create(ctx context.Context, st *status.Status) error
	Get(ctx context.Context, sourceID string) (*status.Status, error)
	ListByName(ctx context.Context, sourceName string) ([]*status.Status, error)
	Update(ctx context.Context, sourceID string, mutate func(*status.Status) error) (*status.Status, error)
}

// OwnerList decides who may submit.
type OwnerList interface {
	Contains(ctx context.Context, ownerID string) (bool, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// Services lists the publication step keys a submission may request.
	Services []string
	// Owners, when set, restricts submissions to listed owner ids.
	Owners OwnerList
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	store     StatusStore
	queue     WorkQueue
	hub       *events.Hub
	intake    *Intake
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, store StatusStore, queue WorkQueue, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config: config,
		store:  store,
		queue:  queue,
		hub:    hub,
		intake: &Intake{
			Store:    store,
			Queue:    queue,
			Hub:      hub,
			Services: config.Services,
			Owners:   config.Owners,
			Logger:   logger,
		},
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// /events streams; writes are bounded per event, not per response.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeSubmissionsWrite)).Post("/submissions", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeSubmissionsRead)).Get("/submissions", s.handleListSubmissions)
		r.With(s.requireScopes(auth.ScopeSubmissionsRead)).Get("/submissions/{sourceID}", s.handleGetSubmission)
		r.With(s.requireScopes(auth.ScopeSubmissionsWrite)).Post("/submissions/{sourceID}/cancel", s.handleCancel)
		r.With(s.requireScopes(auth.ScopeCuration)).Post("/submissions/{sourceID}/curation", s.handleCuration)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := auth.Authenticate(token, s.config.APIKey, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
