// Package hub implements the per-session fan-out: one controller read
// stream feeding every subscriber, a scrollback ring for late joiners,
// and preview/full resize arbitration.
package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/driftsh/drift/internal/backend"
	"github.com/driftsh/drift/internal/registry"
	"github.com/driftsh/drift/internal/term"
)

var ErrHubClosed = errors.New("hub closed")

// subscriber queue depth. A client that falls this far behind is
// evicted rather than allowed to stall the broadcast path.
const sendQueue = 256

type MsgKind int

const (
	MsgData MsgKind = iota
	MsgResized
	MsgClosed
)

// Msg is one hub-to-subscriber event. Data and Resized share a channel
// so a subscriber observes them in hub order.
type Msg struct {
	Kind       MsgKind
	Data       []byte
	Cols, Rows int
}

type subscriber struct {
	id      string
	preview bool
	ch      chan Msg
}

// State tracks where a hub is in its lifecycle.
type State string

const (
	StateDormant  State = "dormant"
	StateLive     State = "live"
	StateDetached State = "detached"
	StateDead     State = "dead"
)

// AttachFunc acquires a controller on first subscribe. The manager
// decides whether that means a fresh start or a reattach.
type AttachFunc func(ev backend.Events) (backend.Controller, error)

// Hub owns the live side of one session.
type Hub struct {
	SessionID string

	attach AttachFunc
	reg    *registry.Registry
	onDead func(sessionID string)

	mu         sync.Mutex
	state      State
	clients    map[string]*subscriber
	ring       *Ring
	controller backend.Controller
	cols, rows int

	// activity coalesces registry writes to at most one per second.
	activity *rate.Limiter
}

// New creates a dormant hub. No controller exists until the first
// subscriber arrives.
func New(sessionID string, maxScrollback int, reg *registry.Registry, attach AttachFunc, onDead func(string)) *Hub {
	return &Hub{
		SessionID: sessionID,
		attach:    attach,
		reg:       reg,
		onDead:    onDead,
		state:     StateDormant,
		clients:   make(map[string]*subscriber),
		ring:      NewRing(maxScrollback),
		activity:  rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Subscribe attaches a client. The first subscriber triggers the lazy
// controller attach. Non-preview subscribers get the ring replayed as
// one initial frame; every subscriber gets a resized ack carrying the
// dimensions actually applied after arbitration.
func (h *Hub) Subscribe(clientID string, preview bool, cols, rows int) (<-chan Msg, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == StateDead {
		return nil, ErrHubClosed
	}

	if err := h.ensureAttachedLocked(); err != nil {
		return nil, err
	}

	sub := &subscriber{id: clientID, preview: preview, ch: make(chan Msg, sendQueue)}
	h.clients[clientID] = sub

	if !preview {
		if replay := h.ring.Snapshot(); len(replay) > 0 {
			sub.ch <- Msg{Kind: MsgData, Data: replay}
		}
	}

	applied := h.applyResizeLocked(sub, cols, rows)
	sub.ch <- Msg{Kind: MsgResized, Cols: applied[0], Rows: applied[1]}

	return sub.ch, nil
}

// EnsureAttached acquires a controller now instead of waiting for the
// first subscriber. Used by the reattach RPC.
func (h *Hub) EnsureAttached() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDead {
		return ErrHubClosed
	}
	return h.ensureAttachedLocked()
}

func (h *Hub) ensureAttachedLocked() error {
	if h.controller != nil || h.state != StateDormant {
		return nil
	}
	ctrl, err := h.attach(backend.Events{
		Output:   h.onOutput,
		Detached: h.onDetached,
	})
	if err != nil {
		return err
	}
	h.controller = ctrl
	h.state = StateLive
	// The PTY spawns at the fallback size until a client sizes it; the
	// ack dimensions must match what is actually in effect.
	if h.cols <= 0 || h.rows <= 0 {
		h.cols, h.rows = term.DefaultCols, term.DefaultRows
	}
	if err := h.reg.UpdateStatus(h.SessionID, registry.StatusRunning); err != nil {
		slog.Warn("status update failed", "session", h.SessionID, "err", err)
	}
	return nil
}

// Unsubscribe removes a client. The hub stays alive for late replay
// while detached; it dies once detached and empty.
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	sub, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		close(sub.ch)
	}
	empty := len(h.clients) == 0
	detached := h.state == StateDetached
	live := h.state == StateLive
	h.mu.Unlock()

	if !ok {
		return
	}
	if empty && detached {
		h.die()
	} else if empty && live {
		if err := h.reg.UpdateStatus(h.SessionID, registry.StatusIdle); err != nil {
			slog.Warn("status update failed", "session", h.SessionID, "err", err)
		}
	}
}

// Input forwards bytes to the controller. A stalled PTY queue is logged
// and the bytes dropped; subscribers are never blocked by input.
func (h *Hub) Input(data []byte) {
	h.mu.Lock()
	ctrl := h.controller
	h.mu.Unlock()
	if ctrl == nil {
		return
	}
	if err := ctrl.SendKeys(data); err != nil {
		slog.Debug("input dropped", "session", h.SessionID, "err", err)
	}
}

// Resize arbitrates a client's size request. Non-preview requests
// always win; preview requests apply only when no non-preview client is
// attached. The requester always receives an ack with the dimensions
// actually in effect.
func (h *Hub) Resize(clientID string, cols, rows int) {
	h.mu.Lock()
	sub, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		return
	}
	applied := h.applyResizeLocked(sub, cols, rows)
	h.deliverLocked(sub, Msg{Kind: MsgResized, Cols: applied[0], Rows: applied[1]})
	h.mu.Unlock()
}

// applyResizeLocked runs the arbitration rule and returns the applied
// dimensions. Callers hold h.mu.
func (h *Hub) applyResizeLocked(sub *subscriber, cols, rows int) [2]int {
	if cols <= 0 || rows <= 0 {
		return [2]int{h.cols, h.rows}
	}

	if sub.preview {
		for _, other := range h.clients {
			if !other.preview {
				// Suppressed: echo the size actually in effect.
				return [2]int{h.cols, h.rows}
			}
		}
	}

	h.cols, h.rows = cols, rows
	if h.controller != nil {
		h.controller.Resize(cols, rows)
	}
	return [2]int{cols, rows}
}

// onOutput is the controller's data callback: ring append, then
// broadcast to every open subscriber in arrival order.
func (h *Hub) onOutput(data []byte) {
	h.mu.Lock()
	h.ring.Append(data)
	var stalled []string
	for id, sub := range h.clients {
		select {
		case sub.ch <- Msg{Kind: MsgData, Data: data}:
		default:
			stalled = append(stalled, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stalled {
		slog.Warn("evicting stalled subscriber", "session", h.SessionID, "client", id)
		h.Unsubscribe(id)
	}

	if h.activity.Allow() {
		if err := h.reg.UpdateActivity(h.SessionID, time.Now()); err != nil {
			slog.Debug("activity update failed", "session", h.SessionID, "err", err)
		}
	}
}

// onDetached handles controller exit: status goes to stopped, the ring
// stays available for replay, and the hub only dies once empty.
func (h *Hub) onDetached() {
	h.mu.Lock()
	if h.state == StateDead {
		h.mu.Unlock()
		return
	}
	h.state = StateDetached
	h.controller = nil
	empty := len(h.clients) == 0
	h.mu.Unlock()

	if err := h.reg.UpdateStatus(h.SessionID, registry.StatusStopped); err != nil {
		slog.Warn("status update failed", "session", h.SessionID, "err", err)
	}
	if empty {
		h.die()
	}
}

// deliverLocked sends to one subscriber without blocking the hub.
// Callers hold h.mu; overflow marks the subscriber for eviction.
func (h *Hub) deliverLocked(sub *subscriber, msg Msg) {
	select {
	case sub.ch <- msg:
	default:
		go h.Unsubscribe(sub.id)
	}
}

// Kill stops the controller and closes every subscriber. Idempotent.
func (h *Hub) Kill() {
	h.mu.Lock()
	if h.state == StateDead {
		h.mu.Unlock()
		return
	}
	ctrl := h.controller
	h.controller = nil
	h.state = StateDead
	for id, sub := range h.clients {
		delete(h.clients, id)
		select {
		case sub.ch <- Msg{Kind: MsgClosed}:
		default:
		}
		close(sub.ch)
	}
	h.mu.Unlock()

	if ctrl != nil {
		ctrl.Stop()
	}
	if h.onDead != nil {
		h.onDead(h.SessionID)
	}
}

// Detach drops the controller link without killing the underlying
// session (muxed sessions survive). Subscribers are closed.
func (h *Hub) Detach() {
	h.mu.Lock()
	if h.state == StateDead {
		h.mu.Unlock()
		return
	}
	ctrl := h.controller
	h.controller = nil
	h.state = StateDead
	for id, sub := range h.clients {
		delete(h.clients, id)
		select {
		case sub.ch <- Msg{Kind: MsgClosed}:
		default:
		}
		close(sub.ch)
	}
	h.mu.Unlock()

	if ctrl != nil {
		ctrl.Detach()
	}
	if h.onDead != nil {
		h.onDead(h.SessionID)
	}
}

// die releases a hub whose controller and subscribers are both gone.
func (h *Hub) die() {
	h.mu.Lock()
	if h.state == StateDead {
		h.mu.Unlock()
		return
	}
	h.state = StateDead
	h.mu.Unlock()
	if h.onDead != nil {
		h.onDead(h.SessionID)
	}
}

// Alive reports whether a controller is currently attached.
func (h *Hub) Alive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controller != nil
}

// Capture proxies to the controller when one is attached.
func (h *Hub) Capture(lines int) (string, bool) {
	h.mu.Lock()
	ctrl := h.controller
	h.mu.Unlock()
	if ctrl == nil {
		return "", false
	}
	out, err := ctrl.Capture(lines)
	if err != nil {
		slog.Debug("capture failed", "session", h.SessionID, "err", err)
		return "", false
	}
	return out, true
}

// ClientCount returns the number of attached subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Size returns the dimensions last applied to the controller.
func (h *Hub) Size() (cols, rows int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}
