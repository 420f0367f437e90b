// Package server provides the HTTP API over the pipeline engine, the definition
// catalog and the event log.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/jonathan/storyforge/internal/eventlog"
	"github.com/jonathan/storyforge/internal/pipeline"
	"github.com/jonathan/storyforge/internal/server/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// DefaultKeepAlive is the interval between SSE keepalive comments.
const DefaultKeepAlive = 15 * time.Second

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	engine      *pipeline.Engine
	log         *eventlog.Log
	rateLimiter *ratelimit.Limiter
	logger      zerolog.Logger
	metrics     *httpMetrics
	keepAlive   time.Duration

	// bg carries asynchronous advances; it is cancelled on shutdown.
	bg     context.Context
	stopBg context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Port   int
	Engine *pipeline.Engine
	Log    *eventlog.Log
	Logger zerolog.Logger
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer   prometheus.Gatherer
	Registerer prometheus.Registerer
	// RateLimit defaults to ratelimit.LoadConfig().
	RateLimit *ratelimit.Config
	KeepAlive time.Duration
}

// New creates a new server instance
func New(cfg Config) (*Server, error) {
	if cfg.Engine == nil || cfg.Log == nil {
		return nil, fmt.Errorf("server requires an engine and an event log")
	}
	if cfg.RateLimit == nil {
		cfg.RateLimit = ratelimit.LoadConfig()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}

	bg, stop := context.WithCancel(context.Background())
	s := &Server{
		engine:      cfg.Engine,
		log:         cfg.Log,
		rateLimiter: ratelimit.NewLimiter(cfg.RateLimit),
		logger:      cfg.Logger,
		metrics:     newHTTPMetrics(cfg.Registerer),
		keepAlive:   cfg.KeepAlive,
		bg:          bg,
		stopBg:      stop,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	// Definitions
	mux.HandleFunc("GET /definitions", s.handleListDefinitions)
	mux.HandleFunc("POST /definitions", s.handlePutDefinition)
	mux.HandleFunc("GET /definitions/{id}", s.handleGetDefinition)

	// Runs
	mux.HandleFunc("POST /runs", s.handleStartRun)
	mux.HandleFunc("GET /runs", s.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", s.handleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/history", s.handleRunHistory)
	mux.HandleFunc("POST /runs/{run_id}/advance", s.handleAdvanceRun)
	mux.HandleFunc("POST /runs/{run_id}/resume", s.handleResumeRun)
	mux.HandleFunc("POST /runs/{run_id}/abort", s.handleAbortRun)
	mux.HandleFunc("GET /runs/{run_id}/stream", s.handleStreamRun)

	// Branches
	// /branches/compare is registered before /branches/{branch_id}; ServeMux prefers
	// the literal segment.
	mux.HandleFunc("GET /branches", s.handleListBranches)
	mux.HandleFunc("POST /branches", s.handleCreateBranch)
	mux.HandleFunc("GET /branches/compare", s.handleCompareBranches)
	mux.HandleFunc("GET /branches/{branch_id}", s.handleGetBranch)
	mux.HandleFunc("DELETE /branches/{branch_id}", s.handleDeleteBranch)
	mux.HandleFunc("GET /branches/{branch_id}/events", s.handleBranchEvents)
	mux.HandleFunc("GET /events/{event_id}/projection", s.handleProjection)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.withRateLimit(s.withLogging(s.withCORS(mux))),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      300 * time.Second, // Long timeout for synchronous advances
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler including middleware.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.httpServer.Addr).Msg("server starting")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	s.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests, cancels background advances and waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.stopBg()
	s.wg.Wait()
	s.rateLimiter.Stop()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, info := s.rateLimiter.Allow(clientID(r), r.URL.Path, r.Method)
		setRateLimitHeaders(w, info)
		if !allowed {
			s.metrics.rateLimited.WithLabelValues(info.Pattern).Inc()
			s.rateLimitResponse(w, info)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// withLogging adds request logging and request metrics
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.requests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		s.metrics.duration.WithLabelValues(route).Observe(elapsed.Seconds())

		ev := s.logger.Info()
		if rec.status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.status).
			Dur("duration", elapsed).Str("remote", r.RemoteAddr).Msg("request")
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "event_log": "ok"}
	code := http.StatusOK
	if _, err := s.log.ListBranches(r.Context()); err != nil {
		status["status"] = "degraded"
		status["event_log"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	s.jsonResponse(w, code, status)
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigStd.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string) {
	s.jsonResponse(w, status, map[string]string{"error": code, "message": message})
}

// writeError maps err to a status code and writes it. Internal errors are logged and
// their details withheld.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		message = "internal error"
	}
	s.errorResponse(w, status, errorCode(err), message)
}

// clientID extracts the client identifier from the request: the IP from RemoteAddr.
func clientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetTime.Unix(), 10))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]any{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
	}
	if !info.ResetTime.IsZero() {
		response["reset_at"] = info.ResetTime.Format(time.RFC3339)
	}
	if info.RetryAfter > 0 {
		secs := int(info.RetryAfter.Round(time.Second).Seconds())
		response["retry_after"] = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	s.logger.Warn().Int("limit", info.Limit).Str("pattern", info.Pattern).Msg("rate limit exceeded")
	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
