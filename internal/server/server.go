// Package server exposes the engine over a small JSON API.
//
// Endpoints:
//
//	POST /v1/process_text   - detect and substitute PII in one text
//	POST /v1/process_files  - run the pipeline over server-local files
//	POST /v1/deanonymize    - restore originals from a template or mappings
//	GET  /v1/templates      - list stored templates
//	GET  /v1/templates/{id} - fetch one template
//	GET  /health            - liveness, no auth
//	GET  /metrics           - counter snapshot
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/time/rate"

	"pii-engine/internal/engine"
	"pii-engine/internal/logger"
	"pii-engine/internal/metrics"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// Options configures a Server. Zero fields disable the matching feature.
type Options struct {
	// Token enables bearer authentication on /v1 and /metrics.
	Token string
	// RPM and Burst bound requests per minute across all callers.
	RPM   int
	Burst int
	// RequestTimeout bounds each /v1 request. Zero means 60s.
	RequestTimeout time.Duration
	// FileRoot confines process_files paths to one directory tree.
	// Relative paths are taken from it.
	FileRoot string
	Logger   *logger.Logger
}

// Server is the HTTP front of an Engine.
type Server struct {
	engine    *engine.Engine
	metrics   *metrics.Metrics
	log       *logger.Logger
	token     string
	limiter   *rate.Limiter
	timeout   time.Duration
	root      string
	startTime time.Time
}

// New creates a server for eng.
func New(eng *engine.Engine, opts Options) *Server {
	s := &Server{
		engine:    eng,
		metrics:   eng.Metrics(),
		log:       opts.Logger,
		token:     opts.Token,
		timeout:   opts.RequestTimeout,
		startTime: time.Now(),
	}
	if s.log == nil {
		s.log = logger.New("server", "info")
	}
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}
	if opts.RPM > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(float64(opts.RPM)/60.0), burst)
	}
	if opts.FileRoot != "" {
		s.root = resolvePath(opts.FileRoot)
		s.log.Infof("files", "process_files confined to %s", s.root)
	}
	if s.token != "" {
		s.log.Info("auth", "Bearer token authentication enabled")
	}
	return s
}

// Handler returns the chi router with middleware and routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/v1", func(r chi.Router) {
			r.Use(s.rateLimitMiddleware)
			r.Use(middleware.Timeout(s.timeout))
			r.Post("/process_text", s.handleProcessText)
			r.Post("/process_files", s.handleProcessFiles)
			r.Post("/deanonymize", s.handleDeanonymize)
			r.Get("/templates", s.handleTemplates)
			r.Get("/templates/{id}", s.handleTemplate)
		})
	})
	return r
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.metrics.AuthRejected.Add(1)
			s.log.Warnf("auth", "Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RateLimited.Add(1)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves the API on addr, accepting HTTP/1.1 and cleartext
// HTTP/2, until ctx is done. Shutdown waits up to 10s for open requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listen", "Listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("listen", "Shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
