// Package api exposes the memory engine and reply generation over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/memorygraph/internal/observability"
	"github.com/harun/memorygraph/internal/tracing"
	"github.com/harun/memorygraph/pkg/memory"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// RequestIDHeader carries the per-request id in and out.
const RequestIDHeader = "X-Request-Id"

// Config holds Server dependencies.
type Config struct {
	Options ServerOptions
	Memory  Memory
	Replier Replier
	Events  *EventHub
	Logger  zerolog.Logger
}

// Server is the memorygraph HTTP API.
type Server struct {
	options     ServerOptions
	memory      Memory
	replier     Replier
	events      *EventHub
	schemas     *schemaValidator
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	server      *http.Server
	handler     http.Handler

	shutdownMu     sync.RWMutex
	isShuttingDown bool
	inFlight       sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg Config) (*Server, error) {
	observability.EnsureRegistered()

	if cfg.Memory == nil {
		return nil, errors.New("memory is required")
	}
	if cfg.Replier == nil {
		return nil, errors.New("replier is required")
	}

	opts := cfg.Options
	if opts.Host == "" {
		opts.Host = "0.0.0.0"
	}
	if opts.Port == 0 {
		opts.Port = 8000
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}

	schemas, err := newSchemaValidator()
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger.With().Str("component", "api").Logger()
	events := cfg.Events
	if events == nil {
		events = NewEventHub(opts.AllowedOrigins, cfg.Logger)
	}

	s := &Server{
		options:     opts,
		memory:      cfg.Memory,
		replier:     cfg.Replier,
		events:      events,
		schemas:     schemas,
		rateLimiter: NewRateLimiter(opts.RateLimitPerMinute),
		logger:      logger,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "GET /v0/health", s.handleHealth)
	s.handle(mux, "GET /v0/entities", s.handleListEntities)
	s.handle(mux, "POST /v0/facts.add", s.handleAddFact)
	s.handle(mux, "GET /v0/retrieve", s.handleRetrieve)
	s.handle(mux, "POST /v0/pin", s.handleSetPinned)
	s.handle(mux, "POST /v0/feedback", s.handleFeedback)
	s.handle(mux, "POST /v0/conversations.start", s.handleStartConversation)
	s.handle(mux, "GET /v0/conversations.get", s.handleGetConversation)
	s.handle(mux, "POST /v0/conversations.attach", s.handleAttachFacts)
	s.handle(mux, "GET /v0/export", s.handleExport)
	s.handle(mux, "POST /v0/import", s.handleImport)
	s.handle(mux, "POST /v0/reply.fake", s.handleTemplatedReply)
	s.handle(mux, "POST /v0/reply", s.handleGroundedReply)

	// The event stream is long-lived and needs the raw connection, so it skips
	// the timeout and status-recording wrappers.
	mux.Handle("GET /v0/events", s.rateLimited(s.events))
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return s.cors(mux)
}

// handle registers h behind the per-request middleware chain.
func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	route := pattern[strings.Index(pattern, " ")+1:]
	mux.Handle(pattern, s.rateLimited(s.instrument(route, h)))
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              net.JoinHostPort(s.options.Host, strconv.Itoa(s.options.Port)),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests, closes event clients and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down API server")

	done := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()
	s.events.Close()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	s.logger.Info().Msg("API server stopped")
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument adds request ids, a timeout, shutdown rejection and metrics.
func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "server is shutting down", Kind: "unavailable"})
			return
		}
		s.inFlight.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlight.Done()

		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID, _ = gonanoid.New()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx, cancel := context.WithTimeout(tracing.NewRequestContext(r.Context(), requestID), s.options.RequestTimeout)
		defer cancel()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		r.Body = http.MaxBytesReader(rec, r.Body, s.options.MaxBodyBytes)
		h(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		observability.RecordHTTPRequest(route, rec.status, elapsed)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("Request handled")
	})
}

func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if ok, retryAfter := s.rateLimiter.Allow(ip); !ok {
			observability.RecordRateLimited()
			s.logger.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Int("retry_after", retryAfter).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Detail: "too many requests", Kind: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(s.options.AllowedOrigins, origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an engine error to its status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := memory.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case memory.KindValidation:
		status = http.StatusBadRequest
	case memory.KindNotFound:
		status = http.StatusNotFound
	case memory.KindCollaborator:
		status = http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
	}

	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", r.URL.Path).Str("kind", kind.String()).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Str("path", r.URL.Path).Str("kind", kind.String()).Msg("Request rejected")
	}

	writeJSON(w, status, errorResponse{Detail: memory.Message(err), Kind: kind.String()})
}

// decode validates the body against the op schema and unmarshals it into dst.
func (s *Server) decode(r *http.Request, op string, dst interface{}) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return memory.ValidationError(op, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return memory.ValidationError(op, "failed to read request body")
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return memory.ValidationError(op, "request body is required")
	}
	if err := s.schemas.validate(op, body); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return memory.ValidationError(op, "malformed JSON body: %v", err)
	}
	return nil
}
