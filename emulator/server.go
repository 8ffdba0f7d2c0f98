package emulator

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skiffdb/skiff-go/internal/metrics"
	"github.com/skiffdb/skiff-go/skiff"
	"github.com/skiffdb/skiff-go/skiff/driver"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxDocumentBytes      = 1 << 20
	maxBlobBytes          = 32 << 20
)

// Server is the emulator's REST facade. It exposes document CRUD, queries,
// and blob objects over HTTP for tooling that cannot link the Go client.
type Server struct {
	engine  *Engine
	blobs   *BlobStore
	logger  *zap.Logger
	apiKey  string
	timeout time.Duration
	router  chi.Router
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithServerLogger sets the request logger. Defaults to a no-op logger.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAPIKey requires the given key on /v1 routes, via the X-API-Key header
// or an api_key query parameter. Empty means no authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithRequestTimeout bounds how long a single request may run.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer wires the REST routes around an engine and a blob store.
func NewServer(engine *Engine, blobs *BlobStore, opts ...ServerOption) *Server {
	s := &Server{
		engine:  engine,
		blobs:   blobs,
		logger:  zap.NewNop(),
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(s.timeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(apiKeyMiddleware(s.apiKey))
		}
		r.Get("/documents/*", s.handleGetDocument)
		r.Put("/documents/*", s.handlePutDocument)
		r.Patch("/documents/*", s.handlePatchDocument)
		r.Delete("/documents/*", s.handleDeleteDocument)
		r.Post("/query", s.handleQuery)
		r.Post("/blobs/*", s.handlePostBlob)
		r.Get("/blobs/*", s.handleGetBlob)
		r.Delete("/blobs/*", s.handleDeleteBlob)
	})

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.checkOpen(); err != nil {
		writeError(w, http.StatusServiceUnavailable, skiff.KindUnavailable, "engine is closed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	doc, err := s.engine.GetDoc(r.Context(), path)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if !doc.Exists {
		writeError(w, http.StatusNotFound, skiff.KindNotFound, fmt.Sprintf("no document at %q", path))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	body, ok := readBody(w, r, maxDocumentBytes)
	if !ok {
		return
	}
	opts := driver.SetOptions{Merge: r.URL.Query().Get("merge") == "true"}
	if fields := r.URL.Query().Get("merge_fields"); fields != "" {
		opts.MergeFields = strings.Split(fields, ",")
	}
	doc, err := s.engine.setDoc(r.Context(), path, body, opts)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePatchDocument(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	body, ok := readBody(w, r, maxDocumentBytes)
	if !ok {
		return
	}
	doc, err := s.engine.UpdateDoc(r.Context(), path, body)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if err := s.engine.DeleteDoc(r.Context(), path); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r, maxDocumentBytes)
	if !ok {
		return
	}
	var spec driver.QuerySpec
	if err := json.Unmarshal(body, &spec); err != nil {
		writeError(w, http.StatusBadRequest, skiff.KindInvalidArgument, fmt.Sprintf("decode query: %v", err))
		return
	}
	docs, err := s.engine.RunQuery(r.Context(), spec)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"count":     len(docs),
	})
}

func (s *Server) handlePostBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	data, ok := readBody(w, r, maxBlobBytes)
	if !ok {
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	// The REST surface is synchronous: hold the request open until the
	// background transfer settles.
	done := make(chan error, 1)
	detach, err := s.blobs.Upload(r.Context(), driver.UploadRequest{
		Key:         key,
		ContentType: contentType,
		Data:        data,
	}, driver.UploadHandlers{
		OnError:    func(err error) { done <- err },
		OnComplete: func() { done <- nil },
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	select {
	case err := <-done:
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
	case <-r.Context().Done():
		detach()
		writeError(w, http.StatusServiceUnavailable, skiff.KindCancelled, "request canceled before upload settled")
		return
	}

	url, err := s.blobs.DownloadURL(r.Context(), key)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":          key,
		"size":         len(data),
		"download_url": url,
	})
}

func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	obj, ok := s.blobs.object(key)
	if !ok {
		writeError(w, http.StatusNotFound, skiff.KindNotFound, fmt.Sprintf("no blob at %q", key))
		return
	}
	contentType := obj.contentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("ETag", strconv.Quote(obj.etag))
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.data)
}

func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "*")
	if err := s.blobs.Delete(r.Context(), key); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// readBody drains the request body up to limit, answering the request
// itself when the payload is oversized or unreadable.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, skiff.KindResourceExhausted,
				fmt.Sprintf("payload exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, skiff.KindInvalidArgument, "read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	if se, ok := skiff.AsServerError(err); ok {
		writeError(w, statusForKind(se.Kind), se.Kind, se.Message)
		return
	}
	writeError(w, http.StatusInternalServerError, skiff.KindInternal, err.Error())
}

// statusForKind maps rejection kinds onto HTTP statuses.
func statusForKind(k skiff.Kind) int {
	switch k {
	case skiff.KindInvalidArgument, skiff.KindFailedPrecondition, skiff.KindOutOfRange:
		return http.StatusBadRequest
	case skiff.KindNotFound:
		return http.StatusNotFound
	case skiff.KindAlreadyExists, skiff.KindAborted:
		return http.StatusConflict
	case skiff.KindPermissionDenied:
		return http.StatusForbidden
	case skiff.KindUnauthenticated:
		return http.StatusUnauthorized
	case skiff.KindResourceExhausted:
		return http.StatusTooManyRequests
	case skiff.KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case skiff.KindUnimplemented:
		return http.StatusNotImplemented
	case skiff.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    skiff.Kind `json:"kind"`
	Message string     `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind skiff.Kind, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

type ctxKeyRequestID struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), ctxKeyRequestID{}, id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			metrics.ObserveHTTPRequest(r.Method, route, rw.status, elapsed)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Duration("elapsed", elapsed),
				zap.String("request_id", requestIDFrom(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestIDFrom(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, skiff.KindInternal, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	body, _ := json.Marshal(errorBody{Error: errorDetail{
		Kind:    skiff.KindDeadlineExceeded,
		Message: "request timed out",
	}})
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, string(body))
	}
}

func apiKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				got = r.URL.Query().Get("api_key")
			}
			if got != key {
				writeError(w, http.StatusUnauthorized, skiff.KindUnauthenticated, "missing or invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter captures the status code for logging and metrics while
// passing Flush and Hijack through to the underlying writer.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
