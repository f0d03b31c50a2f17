package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/driftsh/drift/internal/registry"
)

// Server is the session manager's HTTP + WebSocket surface.
type Server struct {
	mgr  *Manager
	addr string
}

func NewServer(mgr *Manager, addr string) *Server {
	return &Server{mgr: mgr, addr: addr}
}

// ListenAndServe blocks until ctx is cancelled, then drains.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("session manager listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", s.handleCreate)
	mux.HandleFunc("GET /api/sessions", s.handleList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGet)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleKill)
	mux.HandleFunc("PUT /api/sessions/{id}", s.handleRename)
	mux.HandleFunc("POST /api/sessions/{id}/reattach", s.handleReattach)
	mux.HandleFunc("POST /api/sessions/{id}/send", s.handleSend)
	mux.HandleFunc("GET /api/sessions/{id}/output", s.handleOutput)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /ws/terminal", s.handleTerminalWS)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.mgr.Create(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, http.StatusCreated, sess)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.mgr.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*registry.Session{}
	}
	writeOK(w, http.StatusOK, sessions)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Get(r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sess)
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.mgr.Kill(r.PathValue("id")); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.mgr.Rename(r.PathValue("id"), req.Name); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleReattach(w http.ResponseWriter, r *http.Request) {
	sess, err := s.mgr.Reattach(r.PathValue("id"))
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sess)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Keys string `json:"keys"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.mgr.SendKeys(r.PathValue("id"), []byte(req.Keys)); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lines must be a positive integer")
			return
		}
		lines = n
	}
	out, err := s.mgr.Output(r.PathValue("id"), lines)
	if err != nil {
		writeRegistryError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"muxAvailable":  s.mgr.MuxAvailable(),
		"uptimeSeconds": int64(s.mgr.Uptime().Seconds()),
		"hubs":          s.mgr.HubCount(),
		"registryPath":  s.mgr.cfg.RegistryPath,
	})
}

// Response envelope: {ok, data?, error?}.

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeOK(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, envelope{OK: false, Error: msg})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
