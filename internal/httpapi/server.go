package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flatironinstitute/neurosift-annotations/internal/annotations"
)

const defaultLoginRedirectURL = "https://flatironinstitute.github.io/neurosift?p=/neurosift-annotations-login"

type ServerConfig struct {
	InternalHMACSecret  string
	InternalMaxSkew     time.Duration
	RateLimitMax        int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	DefaultInstanceName string
	LoginRedirectURL    string
	// AllowedOrigins is used when no OriginPolicy is supplied.
	AllowedOrigins []string
}

// OriginPolicy decides which browser origins receive CORS headers.
type OriginPolicy interface {
	OriginAllowed(origin string) bool
}

// CodeExchanger trades an OAuth authorization code for a credential.
type CodeExchanger interface {
	Exchange(ctx context.Context, code string) (annotations.Credential, error)
}

type ServerOptions struct {
	Syncer      *annotations.Syncer
	Annotations annotations.AnnotationStore
	Identity    annotations.IdentityResolver
	OAuth       CodeExchanger
	Events      *annotations.EventBroker
	Origins     OriginPolicy
	Logger      *slog.Logger
	Config      ServerConfig
	Now         func() time.Time
}

type Server struct {
	syncer      *annotations.Syncer
	store       annotations.AnnotationStore
	identity    annotations.IdentityResolver
	oauth       CodeExchanger
	events      *annotations.EventBroker
	origins     OriginPolicy
	logger      *slog.Logger
	cfg         ServerConfig
	now         func() time.Time
	schemas     *schemaSet
	rateLimiter *rateLimiter
	router      chi.Router

	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type staticOrigins []string

func (o staticOrigins) OriginAllowed(origin string) bool {
	for _, allowed := range o {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if strings.TrimSpace(cfg.DefaultInstanceName) == "" {
		cfg.DefaultInstanceName = "dandi"
	}
	if strings.TrimSpace(cfg.LoginRedirectURL) == "" {
		cfg.LoginRedirectURL = defaultLoginRedirectURL
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	origins := opts.Origins
	if origins == nil {
		origins = staticOrigins(cfg.AllowedOrigins)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	store := opts.Annotations
	if store == nil {
		store = annotations.NewInMemoryAnnotationStore()
	}
	s := &Server{
		syncer:             opts.Syncer,
		store:              store,
		identity:           opts.Identity,
		oauth:              opts.OAuth,
		events:             opts.Events,
		origins:            origins,
		logger:             logger,
		cfg:                cfg,
		now:                now,
		schemas:            mustCompileSchemas(),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Post("/getNwbFileAnnotations", s.handleGetNwbFileAnnotations)
		r.Post("/setNwbFileAnnotations", s.handleSetNwbFileAnnotations)
		r.Post("/getAnnotations", s.handleGetAnnotations)
		r.Post("/addAnnotation", s.handleAddAnnotation)
		r.Post("/deleteAnnotation", s.handleDeleteAnnotation)
		r.Get("/auth", s.handleAuth)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/internal/cache-invalidations", s.handleCacheInvalidation)
		r.With(s.rateLimit).Get("/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", s.now().Sub(start),
			"request_id", middleware.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.origins.OriginAllowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
			h.Set("Access-Control-Expose-Headers", "ETag, X-Annotation-Path, X-Cache")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit keys on the caller's credential fingerprint, or on the client
// address for anonymous requests.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "addr|" + r.RemoteAddr
		if cred := requestCredential(r); !cred.Empty() {
			key = "cred|" + cred.Fingerprint()
		}
		if !s.rateLimiter.allow(key, s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func requestCredential(r *http.Request) annotations.Credential {
	return annotations.CredentialFromHeader(r.Header.Get("Authorization"))
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

// decodeJSONBody validates the body against the named schema before decoding
// it into dst.
func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID, schema string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := s.schemas.validate(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeDomainError maps annotation errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, annotations.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, annotations.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", err.Error(), correlationID)
	case errors.Is(err, annotations.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, annotations.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, annotations.ErrRateLimited):
		retryAfter := 60
		var remote *annotations.RemoteError
		if errors.As(err, &remote) && !remote.RetryAt.IsZero() {
			retryAfter = int(math.Ceil(remote.RetryAt.Sub(s.now()).Seconds()))
		}
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error(), correlationID)
	case errors.Is(err, annotations.ErrMalformedContent):
		writeError(w, http.StatusBadGateway, "malformed_content", err.Error(), correlationID)
	case errors.Is(err, annotations.ErrTransport):
		writeError(w, http.StatusBadGateway, "bad_gateway", err.Error(), correlationID)
	case errors.Is(err, annotations.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
