// Package server exposes the reload hub over HTTP (SSE, WebSocket, JSON API)
// and gRPC.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/obby/reload-hub/internal/history"
	"github.com/obby/reload-hub/internal/hub"
	"github.com/obby/reload-hub/internal/service"
	"github.com/obby/reload-hub/internal/stream"
	"github.com/rs/zerolog/log"
)

const maxReloadBody = 1 << 20

// HistoryReader is the read side of the event history.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// ReloadRequest is the body of POST /api/reload.
type ReloadRequest struct {
	Paths []string `json:"paths"`
	Once  bool     `json:"once"`
	Match string   `json:"match"`
}

// HTTPServer serves browser clients and the JSON API
type HTTPServer struct {
	hub      *hub.Hub
	reloader *service.Reloader
	history  HistoryReader
	router   *mux.Router
	server   *http.Server
}

// NewHTTPServer creates the HTTP server. store may be nil when history is disabled.
func NewHTTPServer(addr string, h *hub.Hub, reloader *service.Reloader, store HistoryReader) *HTTPServer {
	s := &HTTPServer{
		hub:      h,
		reloader: reloader,
		history:  store,
		router:   mux.NewRouter(),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/sse", s.handleSSE).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWebSocket)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/reload", s.handleReload).Methods(http.MethodPost)

	s.server = &http.Server{
		Addr:    addr,
		Handler: corsMiddleware(s.router),
		// No WriteTimeout: /sse and /ws responses stay open
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Handler returns the root handler, CORS included.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// Serve accepts connections on l until Stop is called.
func (s *HTTPServer) Serve(l net.Listener) error {
	log.Info().Str("addr", l.Addr().String()).Msg("HTTP server listening")
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves until Stop is called.
func (s *HTTPServer) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Stop stops the HTTP server gracefully
func (s *HTTPServer) Stop(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.reloader.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"timestamp":    time.Now().Unix(),
		"clients":      s.hub.ClientCount(),
		"batches":      stats.Batches,
		"full_reloads": stats.FullReloads,
	})
}

// handleHistory handles GET /api/history?limit=N
func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, "history is disabled", http.StatusNotFound)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("failed to read history")
		writeJSONError(w, "failed to read history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": entries})
}

// handleReload handles POST /api/reload
func (s *HTTPServer) handleReload(w http.ResponseWriter, r *http.Request) {
	var req ReloadRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxReloadBody))
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	summary, err := s.reloader.RunBatch(req.Paths, stream.Options{Once: req.Once, Match: req.Match})
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// parseTopics splits ?topics=a,b into topic names. Empty means all.
func parseTopics(r *http.Request) []string {
	var topics []string
	for _, raw := range r.URL.Query()["topics"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}
	return topics
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Cache-Control")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
