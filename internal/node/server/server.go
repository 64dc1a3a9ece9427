// Package server hosts the storage-node HTTP wire protocol in front of a
// pluggable node.Backend.
package server

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"distfs/internal/node"
)

// Server implements the PUT/GET/DELETE/chunk-info/health endpoints over a
// Backend. There is no authentication at this boundary; the node assumes a
// trusted network, per the wire contract.
type Server struct {
	backend node.Backend
	log     *slog.Logger
	mux     *http.ServeMux
}

// New constructs a node HTTP server. log must not be nil; use
// logging.Discard() in tests.
func New(backend node.Backend, log *slog.Logger) *Server {
	s := &Server{backend: backend, log: log.With("component", "node.server")}
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /chunk/{id}", s.handlePut)
	mux.HandleFunc("GET /chunk/{id}", s.handleGet)
	mux.HandleFunc("DELETE /chunk/{id}", s.handleDelete)
	mux.HandleFunc("GET /chunk/{id}/info", s.handleInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	s.mux = mux
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func chunkID(r *http.Request) string {
	id := r.PathValue("id")
	return strings.TrimSuffix(id, "/info")
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	id := chunkID(r)
	if r.ContentLength < 0 {
		http.Error(w, "content-length required", http.StatusLengthRequired)
		return
	}
	if r.ContentLength > node.MaxChunkSize {
		http.Error(w, "chunk exceeds max size", http.StatusRequestEntityTooLarge)
		return
	}

	if err := s.backend.Put(r.Context(), id, r.Body, r.ContentLength); err != nil {
		s.log.Error("put chunk failed", "chunk_id", id, "error", err)
		http.Error(w, "put failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chunkID(r)
	rc, err := s.backend.Get(r.Context(), id)
	if err == node.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.log.Error("get chunk failed", "chunk_id", id, "error", err)
		http.Error(w, "get failed", http.StatusInternalServerError)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		s.log.Warn("stream chunk to client interrupted", "chunk_id", id, "error", err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chunkID(r)
	if err := s.backend.Delete(r.Context(), id); err != nil {
		s.log.Warn("delete chunk failed", "chunk_id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := chunkID(r)
	info, err := s.backend.Info(r.Context(), id)
	if err != nil {
		s.log.Error("info chunk failed", "chunk_id", id, "error", err)
		http.Error(w, "info failed", http.StatusInternalServerError)
		return
	}
	if !info.Exists {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("X-Chunk-Size", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h, err := s.backend.Health(r.Context())
	if err != nil {
		s.log.Error("health check failed", "error", err)
		http.Error(w, "health check failed", http.StatusInternalServerError)
		return
	}
	if !h.Healthy {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("X-Used-Bytes", strconv.FormatInt(h.UsedBytes, 10))
	w.Header().Set("X-Chunk-Count", strconv.FormatInt(h.ChunkCnt, 10))
	w.Header().Set("X-Free-Bytes", strconv.FormatInt(h.FreeBytes, 10))
	w.WriteHeader(http.StatusOK)
}
