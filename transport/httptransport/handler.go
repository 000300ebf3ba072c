// Package httptransport binds the mailbox protocol to HTTP: a relay handler
// serving a blob store, and a client that implements mailbox.Relay against
// it.
package httptransport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/c0deZ3R0/go-mailbox-kit/logging"
	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// Route paths served by Handler.
const (
	PathHealth  = "/health"
	PathStore   = "/blobs/store"
	PathFetch   = "/blobs/get"
	PathMetrics = "/metrics"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// BlobStore is the relay storage served by Handler.
type BlobStore interface {
	StoreBatch(ctx context.Context, blobs []wire.Blob) (int, error)
	Fetch(ctx context.Context, req wire.FetchRequest) (wire.FetchResponse, error)
}

// Handler is an http.Handler serving the relay endpoints.
type Handler struct {
	store    BlobStore
	router   *mux.Router
	options  *ServerOptions
	logger   *logging.Logger
	limiters *limiterPool
}

// NewHandler creates a handler serving store. It panics if the options are
// inconsistent.
func NewHandler(store BlobStore, opts ...ServerOption) *Handler {
	options := applyServerOptions(opts...)
	if err := options.Validate(); err != nil {
		panic(fmt.Sprintf("httptransport: invalid server options: %v", err))
	}

	h := &Handler{
		store:   store,
		router:  mux.NewRouter(),
		options: options,
		logger:  options.Logger.WithComponent("transport"),
	}
	if options.RateLimit > 0 {
		h.limiters = newLimiterPool(options.RateLimit, options.RateBurst)
	}

	h.router.Use(h.requestID, h.logRequests, h.rateLimit)
	h.router.HandleFunc(PathHealth, h.handleHealth).Methods(http.MethodGet)
	h.router.HandleFunc(PathStore, h.handleStore).Methods(http.MethodPost)
	h.router.HandleFunc(PathFetch, h.handleFetch).Methods(http.MethodPost)
	if options.MetricsHandler != nil {
		h.router.Handle(PathMetrics, options.MetricsHandler).Methods(http.MethodGet)
	}
	h.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, r, http.StatusNotFound, "not found", h.options)
	})
	h.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, r, http.StatusMethodNotAllowed, "method not allowed", h.options)
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respond(w, r, http.StatusOK, map[string]string{"status": "ok"}, wire.JSON, h.options)
}

func (h *Handler) handleStore(w http.ResponseWriter, r *http.Request) {
	var blobs []wire.Blob
	codec, err := readRequest(w, r, h.options, &blobs)
	if err != nil {
		respondWithMappedError(w, r, err, h.options)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	stored, err := h.store.StoreBatch(ctx, blobs)
	if err != nil {
		h.logger.LogError(ctx, err, "store request failed",
			slog.Int("received", len(blobs)),
			slog.Int("stored", stored),
		)
		respondWithError(w, r, http.StatusInternalServerError, "failed to store blobs", h.options)
		return
	}

	respond(w, r, http.StatusOK, StoreResponse{Status: "ok", Stored: stored}, responseCodec(r, codec), h.options)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req wire.FetchRequest
	codec, err := readRequest(w, r, h.options, &req)
	if err != nil {
		respondWithMappedError(w, r, err, h.options)
		return
	}

	ctx, cancel := h.withTimeout(r.Context())
	defer cancel()

	resp, err := h.store.Fetch(ctx, req)
	if err != nil {
		h.logger.LogError(ctx, err, "fetch request failed", slog.Int("topics", len(req)))
		respondWithError(w, r, http.StatusInternalServerError, "failed to fetch blobs", h.options)
		return
	}

	respond(w, r, http.StatusOK, resp, responseCodec(r, codec), h.options)
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.options.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.options.RequestTimeout)
}

// requestID keeps the caller's request id or assigns a new one, and puts it
// in the request context and the response headers.
func (h *Handler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		} else if rec.status >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		h.logger.WithContext(r.Context()).Log(r.Context(), level, "request served",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

func (h *Handler) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiters != nil && r.URL.Path != PathHealth && !h.limiters.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			respondWithError(w, r, http.StatusTooManyRequests, "rate limit exceeded", h.options)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewServer wraps h in an http.Server listening on addr with conservative
// timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// IsServerClosed reports whether err only signals a graceful shutdown.
func IsServerClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed)
}
