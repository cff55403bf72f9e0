// Package gateway exposes the local HTTP API: the REST surface mapping to
// the upstream adapter (C3), the token pool (C4) and the upload
// orchestrator (C5), following go-storage's Handler/New(...) http.Handler
// shape (Go 1.22 method+path ServeMux, no external router).
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/wopan/gateway/internal/config"
	"github.com/wopan/gateway/internal/gateway/middleware"
	"github.com/wopan/gateway/internal/metrics"
	"github.com/wopan/gateway/internal/tokenpool"
	"github.com/wopan/gateway/internal/upstream"
)

// Handler holds shared dependencies for all HTTP handlers.
type Handler struct {
	cfg    *config.Config
	pool   *tokenpool.Pool
	logger *slog.Logger
	hub    *wsHub

	sessMu   sync.Mutex
	sessions map[string]string // session id -> bearer token
}

// New registers all routes and returns the root http.Handler.
//
// Middleware stack (outer → inner):
//
//	RequestLog → ServeMux → AdminKey auth (admin routes only) → handler
func New(cfg *config.Config, pool *tokenpool.Pool, logger *slog.Logger) http.Handler {
	metrics.Register()
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
		hub:      newWSHub(logger),
		sessions: make(map[string]string),
	}

	logMW := middleware.RequestLog(logger)
	adminAuth := middleware.AdminKey(cfg.AdminKey)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/download/", h.handleDownloadURL)
	mux.HandleFunc("GET /api/folders", h.handleFolders)
	mux.HandleFunc("GET /api/files", h.handleFiles)
	mux.HandleFunc("POST /api/connect", h.handleConnect)
	mux.HandleFunc("GET /api/browse/{id}", h.handleBrowse)
	mux.HandleFunc("POST /api/upload", h.handleUpload)
	mux.HandleFunc("POST /api/delete", h.handleDelete)
	mux.HandleFunc("POST /api/create_folder", h.handleCreateFolder)
	mux.HandleFunc("GET /api/upload/ws", h.hub.serveHTTP)

	mux.Handle("GET /api/token/get", adminAuth(http.HandlerFunc(h.handleTokenGet)))
	mux.Handle("POST /api/token/report", adminAuth(http.HandlerFunc(h.handleTokenReport)))
	mux.Handle("GET /api/token/stats", adminAuth(http.HandlerFunc(h.handleTokenStats)))
	mux.Handle("POST /api/token/add", adminAuth(http.HandlerFunc(h.handleTokenAdd)))
	mux.Handle("DELETE /api/token/remove", adminAuth(http.HandlerFunc(h.handleTokenRemove)))

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	return logMW(mux)
}

// clientReporter adapts *tokenpool.Pool to upload.Reporter without an
// import cycle (internal/upload never imports internal/tokenpool).
type clientReporter struct{ pool *tokenpool.Pool }

func (r clientReporter) ReportSuccess(token string) { r.pool.ReportSuccess(token) }
func (r clientReporter) ReportError(token, reason string) {
	r.pool.ReportError(token, reason)
}

// acquireClient pulls the next token from the pool via strategy and binds
// an upstream.Client to it, honoring any test-only base URL overrides.
func (h *Handler) acquireClient(strategy tokenpool.Strategy) (*upstream.Client, string, error) {
	token, err := h.pool.Acquire(strategy)
	if err != nil {
		return nil, "", err
	}
	return h.newClient(token), token, nil
}

func (h *Handler) newClient(token string) *upstream.Client {
	var opts []upstream.Option
	if h.cfg.BaseURL != "" {
		opts = append(opts, upstream.WithBaseURL(h.cfg.BaseURL))
	}
	if h.cfg.UploadBaseURL != "" {
		opts = append(opts, upstream.WithUploadBaseURL(h.cfg.UploadBaseURL))
	}
	opts = append(opts, upstream.WithLogger(h.logger))
	return upstream.NewClient(token, opts...)
}

func (h *Handler) reportResult(token string, err error) {
	if err != nil {
		h.pool.ReportError(token, err.Error())
		metrics.TokenRequests.WithLabelValues("error").Inc()
		return
	}
	h.pool.ReportSuccess(token)
	metrics.TokenRequests.WithLabelValues("success").Inc()
}

func newSessionID() string { return uuid.NewString() }

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// writeSuccess writes the gateway's legacy success envelope: {code:200, ...fields}.
func writeSuccess(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"code": 200}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// writeFailure writes the gateway's legacy failure envelope:
// {code, success:false, error, message}. code is the HTTP-ish status the
// spec's legacy clients expect (401 for most failure stages), not
// necessarily the actual HTTP status returned.
func writeFailure(w http.ResponseWriter, httpStatus, code int, errTag, message string) {
	writeJSON(w, httpStatus, map[string]any{
		"code":    code,
		"success": false,
		"error":   errTag,
		"message": message,
	})
}
