package manager

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/driftsh/drift/internal/backend"
	"github.com/driftsh/drift/internal/registry"
)

// legacySuffix is a historical decoration on recovered session names
// that older builds left in the registry.
const legacySuffix = " (recovered)"

// Reconcile aligns the registry with what is actually alive on the
// host. It runs once at boot, before the listener accepts clients, and
// a second run right after performs no changes.
func (m *Manager) Reconcile() error {
	// Direct PTYs never survive a restart: anything still marked live
	// from a previous run is stopped.
	n, err := m.reg.UpdateStatusWhere(backend.DirectPTY,
		[]string{registry.StatusRunning, registry.StatusIdle}, registry.StatusStopped)
	if err != nil {
		return fmt.Errorf("downgrade direct sessions: %w", err)
	}
	if n > 0 {
		slog.Info("stopped stale direct sessions", "count", n)
	}

	if !m.tmux.Available() {
		slog.Info("tmux not available, skipping mux reconcile")
		return nil
	}

	live, err := m.tmux.ListSessions(m.cfg.MuxPrefix)
	if err != nil {
		// A wedged tmux server is treated as "no sessions" rather than
		// blocking boot.
		slog.Warn("tmux list failed, treating as empty", "err", err)
		live = nil
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	sessions, err := m.reg.List()
	if err != nil {
		return fmt.Errorf("list registry: %w", err)
	}

	for _, sess := range sessions {
		if strings.HasSuffix(sess.Name, legacySuffix) {
			clean := strings.TrimSuffix(sess.Name, legacySuffix)
			if err := m.reg.Rename(sess.ID, clean); err != nil {
				slog.Warn("legacy name cleanup failed", "session", sess.ID, "err", err)
			}
		}

		if sess.Backend != backend.Muxed {
			continue
		}
		if liveSet[sess.MuxName] {
			delete(liveSet, sess.MuxName)
			if sess.Status == registry.StatusStopped || sess.Status == registry.StatusError {
				if err := m.reg.UpdateStatus(sess.ID, registry.StatusRunning); err != nil {
					slog.Warn("status restore failed", "session", sess.ID, "err", err)
				}
			}
			continue
		}
		// Ghost: registered but the tmux session is gone.
		slog.Info("evicting ghost session", "session", sess.ID, "mux", sess.MuxName)
		if err := m.reg.Delete(sess.ID); err != nil {
			slog.Warn("ghost eviction failed", "session", sess.ID, "err", err)
		}
	}

	// Orphans: live tmux sessions carrying our prefix with no row.
	for name := range liveSet {
		m.adoptOrphan(name)
	}
	return nil
}

// adoptOrphan synthesizes a registry row for a live tmux session that
// we have no record of. The id is derived from the tmux name so the
// same orphan adopts to the same id on every boot.
func (m *Manager) adoptOrphan(muxName string) {
	cwd, err := m.tmux.PaneCWD(muxName)
	if err != nil {
		slog.Warn("orphan cwd probe failed", "mux", muxName, "err", err)
		cwd = ""
	}

	now := time.Now()
	sess := &registry.Session{
		ID:            orphanID(muxName, m.cfg.MuxPrefix),
		Name:          strings.TrimPrefix(muxName, m.cfg.MuxPrefix),
		WorkspacePath: cwd,
		Kind:          backend.KindShell,
		Backend:       backend.Muxed,
		MuxName:       muxName,
		Status:        registry.StatusRunning,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if err := m.reg.Create(sess); err != nil {
		slog.Warn("orphan adoption failed", "mux", muxName, "err", err)
		return
	}
	slog.Info("adopted orphan session", "session", sess.ID, "mux", muxName, "cwd", cwd)
}

// orphanID maps a tmux session name to a stable session id: the name
// minus our reserved prefix. tmux names are unique, so the id is too,
// and the same orphan adopts to the same id on every boot.
func orphanID(muxName, prefix string) string {
	id := strings.TrimPrefix(muxName, prefix)
	if id == "" {
		return muxName
	}
	return id
}
