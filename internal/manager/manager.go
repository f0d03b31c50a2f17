// Package manager is the session manager: it owns the registry, the
// backend adapter, and the hub map, and exposes them over HTTP and a
// raw per-session WebSocket.
package manager

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftsh/drift/internal/backend"
	"github.com/driftsh/drift/internal/config"
	"github.com/driftsh/drift/internal/hub"
	"github.com/driftsh/drift/internal/registry"
)

type Manager struct {
	cfg     config.ManagerConfig
	reg     *registry.Registry
	adapter *backend.Adapter
	tmux    *backend.Tmux

	mu   sync.Mutex
	hubs map[string]*hub.Hub

	// agentArgs holds per-session extra CLI args. Launch-time only,
	// deliberately not persisted.
	agentArgs sync.Map

	startedAt time.Time
}

func New(cfg config.ManagerConfig, reg *registry.Registry) *Manager {
	return &Manager{
		cfg:       cfg,
		reg:       reg,
		adapter:   backend.NewAdapter(cfg.TmuxBin, cfg.AgentCommand),
		tmux:      backend.NewTmux(cfg.TmuxBin),
		hubs:      make(map[string]*hub.Hub),
		startedAt: time.Now(),
	}
}

// CreateRequest mirrors the POST /api/sessions body.
type CreateRequest struct {
	Name            string   `json:"name"`
	WorkspacePath   string   `json:"workspacePath"`
	Kind            string   `json:"kind"`
	Backend         string   `json:"backend"`
	SkipPermissions bool     `json:"skipPermissions"`
	AgentArgs       []string `json:"agentArgs"`
	AgentResumeID   string   `json:"agentResumeId"`
}

// Create normalizes the request and persists a new session. Nothing is
// spawned yet; the hub attaches on first subscriber.
func (m *Manager) Create(req CreateRequest) (*registry.Session, error) {
	if req.WorkspacePath == "" {
		return nil, fmt.Errorf("workspacePath is required")
	}
	if !filepath.IsAbs(req.WorkspacePath) {
		return nil, fmt.Errorf("workspacePath must be absolute")
	}

	kind := req.Kind
	if kind == "" {
		kind = backend.KindShell
	}
	if kind != backend.KindShell && kind != backend.KindAgent {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	be := req.Backend
	if be == "" {
		if m.tmux.Available() {
			be = backend.Muxed
		} else {
			be = backend.DirectPTY
		}
	}
	if be != backend.DirectPTY && be != backend.Muxed {
		return nil, fmt.Errorf("unknown backend %q", be)
	}
	if be == backend.Muxed && !m.tmux.Available() {
		return nil, fmt.Errorf("tmux not available for muxed backend")
	}

	id := uuid.NewString()
	name := req.Name
	if name == "" {
		name = filepath.Base(req.WorkspacePath)
	}

	now := time.Now()
	sess := &registry.Session{
		ID:              id,
		Name:            name,
		WorkspacePath:   req.WorkspacePath,
		Kind:            kind,
		Backend:         be,
		MuxName:         m.cfg.MuxPrefix + shortID(id),
		Status:          registry.StatusStopped,
		SkipPermissions: req.SkipPermissions,
		AgentResumeID:   req.AgentResumeID,
		CreatedAt:       now,
		LastActivity:    now,
	}
	if err := m.reg.Create(sess); err != nil {
		return nil, err
	}
	m.agentArgs.Store(id, req.AgentArgs)
	return sess, nil
}

// Get returns one session with its status refreshed.
func (m *Manager) Get(id string) (*registry.Session, error) {
	sess, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}
	m.refreshStatus(sess)
	return sess, nil
}

// List returns every session, each with status refreshed against live
// state before returning.
func (m *Manager) List() ([]*registry.Session, error) {
	sessions, err := m.reg.List()
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		m.refreshStatus(s)
	}
	return sessions, nil
}

// refreshStatus reconciles one row's status with what is actually
// alive, persisting any downgrade.
func (m *Manager) refreshStatus(s *registry.Session) {
	live := false
	if h, ok := m.getHub(s.ID); ok && h.Alive() {
		live = true
	} else if s.Backend == backend.Muxed && m.tmux.HasSession(s.MuxName) {
		live = true
	}

	switch {
	case live && s.Status == registry.StatusStopped:
		s.Status = registry.StatusIdle
		m.storeStatus(s.ID, s.Status)
	case !live && (s.Status == registry.StatusRunning || s.Status == registry.StatusIdle):
		s.Status = registry.StatusStopped
		m.storeStatus(s.ID, s.Status)
	}
}

func (m *Manager) storeStatus(id, status string) {
	if err := m.reg.UpdateStatus(id, status); err != nil {
		slog.Warn("status refresh failed", "session", id, "err", err)
	}
}

// Rename changes the session label.
func (m *Manager) Rename(id, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	return m.reg.Rename(id, name)
}

// Kill destroys the session: controller stopped (multiplexer killed
// first for muxed), registry row deleted. Idempotent from the client's
// point of view; a second kill reports not found.
func (m *Manager) Kill(id string) error {
	sess, err := m.reg.Get(id)
	if err != nil {
		return err
	}

	if h, ok := m.getHub(id); ok {
		h.Kill()
	}
	if sess.Backend == backend.Muxed {
		// Covers the no-hub and detached-hub cases; an already-dead
		// tmux session is not an error.
		if err := m.tmux.KillSession(sess.MuxName); err != nil {
			slog.Warn("kill tmux session failed", "session", id, "err", err)
		}
	}

	return m.reg.Delete(id)
}

// Reattach tears down the current controller and binds a fresh one.
// For direct PTY sessions this restarts the shell.
func (m *Manager) Reattach(id string) (*registry.Session, error) {
	sess, err := m.reg.Get(id)
	if err != nil {
		return nil, err
	}

	if h, ok := m.getHub(id); ok {
		h.Detach()
	}

	h := m.Hub(sess)
	if err := h.EnsureAttached(); err != nil {
		m.storeStatus(id, registry.StatusError)
		return nil, err
	}
	return m.reg.Get(id)
}

// SendKeys injects bytes into a session without a subscriber. Live
// hubs take the bytes directly; a detached muxed session gets them via
// the multiplexer so injection never forces an attach.
func (m *Manager) SendKeys(id string, keys []byte) error {
	sess, err := m.reg.Get(id)
	if err != nil {
		return err
	}

	if h, ok := m.getHub(id); ok && h.Alive() {
		h.Input(keys)
		return nil
	}
	if sess.Backend == backend.Muxed && m.tmux.HasSession(sess.MuxName) {
		return m.tmux.SendKeys(sess.MuxName, string(keys))
	}
	return fmt.Errorf("session %s is not running", id)
}

// Output returns the last n lines of rendered output, or "" when no
// live view of the session exists.
func (m *Manager) Output(id string, lines int) (string, error) {
	sess, err := m.reg.Get(id)
	if err != nil {
		return "", err
	}

	if h, ok := m.getHub(id); ok {
		if out, ok := h.Capture(lines); ok {
			return out, nil
		}
	}
	if sess.Backend == backend.Muxed && m.tmux.HasSession(sess.MuxName) {
		return m.tmux.CapturePane(sess.MuxName, lines)
	}
	return "", nil
}

// Hub returns the session's hub, creating a dormant one if needed.
func (m *Manager) Hub(sess *registry.Session) *hub.Hub {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.hubs[sess.ID]; ok {
		return h
	}
	h := hub.New(sess.ID, m.cfg.MaxScrollback, m.reg, m.attachFunc(sess), m.dropHub)
	m.hubs[sess.ID] = h
	return h
}

func (m *Manager) getHub(id string) (*hub.Hub, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[id]
	return h, ok
}

func (m *Manager) dropHub(id string) {
	m.mu.Lock()
	delete(m.hubs, id)
	m.mu.Unlock()
}

// attachFunc decides between a fresh start and a reattach: a muxed
// session whose tmux target is already live is reattached, everything
// else starts fresh.
func (m *Manager) attachFunc(sess *registry.Session) hub.AttachFunc {
	spec := backend.Spec{
		SessionID:       sess.ID,
		WorkspacePath:   sess.WorkspacePath,
		Kind:            sess.Kind,
		Backend:         sess.Backend,
		MuxName:         sess.MuxName,
		SkipPermissions: sess.SkipPermissions,
		AgentResumeID:   sess.AgentResumeID,
	}
	if args, ok := m.agentArgs.Load(sess.ID); ok {
		spec.AgentArgs = args.([]string)
	}
	return func(ev backend.Events) (backend.Controller, error) {
		if spec.Backend == backend.Muxed && m.tmux.HasSession(spec.MuxName) {
			return m.adapter.Reattach(spec, ev)
		}
		return m.adapter.Start(spec, ev)
	}
}

// Shutdown detaches every hub. Muxed sessions keep running inside
// tmux; direct PTY children are terminated.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	hubs := make([]*hub.Hub, 0, len(m.hubs))
	for _, h := range m.hubs {
		hubs = append(hubs, h)
	}
	m.mu.Unlock()

	for _, h := range hubs {
		h.Detach()
	}

	// Direct PTY children do not survive us.
	if _, err := m.reg.UpdateStatusWhere(backend.DirectPTY,
		[]string{registry.StatusRunning, registry.StatusIdle}, registry.StatusStopped); err != nil {
		slog.Warn("shutdown status downgrade failed", "err", err)
	}
}

// HubCount returns the number of live hubs.
func (m *Manager) HubCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hubs)
}

// MuxAvailable reports whether the multiplexer binary is usable.
func (m *Manager) MuxAvailable() bool {
	return m.tmux.Available()
}

// Uptime is time since the manager started.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}
