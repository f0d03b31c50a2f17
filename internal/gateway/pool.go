package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/driftsh/drift/internal/hub"
	"github.com/driftsh/drift/internal/wsproto"
)

const upstreamDialTimeout = 10 * time.Second

// upstreamReplayChunks bounds the per-upstream scrollback mirror. The
// ring's built-in byte cap applies on top.
const upstreamReplayChunks = 1024

// Sink is the pool's view of one browser channel's subscription.
type Sink interface {
	// Deliver forwards one raw session-manager frame. Non-blocking on
	// the pool's side; a stuck sink drops frames, not the pool.
	Deliver(frame []byte)
	// UpstreamClosed tells the sink its session's upstream died. The
	// sink emits error(4000) and purges the subscription.
	UpstreamClosed(sessionID string)
}

// upstream is one shared session-manager connection. All browsers
// watching a session ride the same link.
type upstream struct {
	sessionID string
	conn      *websocket.Conn
	cancel    context.CancelFunc

	// guarded by the pool lock
	refs       int
	full       int // non-preview refs
	sinks      map[Sink]bool
	cols, rows int       // last acked dimensions
	replay     *hub.Ring // scrollback mirror for late full sinks
}

// Pool shares upstream links across browser channels, keyed by session
// id. Map mutation happens under the pool lock; network I/O never does.
type Pool struct {
	managerURL string

	mu        sync.Mutex
	upstreams map[string]*upstream
}

func NewPool(managerURL string) *Pool {
	return &Pool{
		managerURL: managerURL,
		upstreams:  make(map[string]*upstream),
	}
}

// Subscribe attaches a sink to a session's upstream, dialing the
// session manager if no upstream exists yet. A non-preview sink joining
// an established upstream gets the scrollback mirror replayed as one
// frame before live fan-out; the hub only replays to the shared dial.
func (p *Pool) Subscribe(ctx context.Context, sessionID string, preview bool, sink Sink) error {
	p.mu.Lock()
	if u, ok := p.upstreams[sessionID]; ok {
		u.join(preview, sink)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx, sessionID)
	if err != nil {
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	u := &upstream{
		sessionID: sessionID,
		conn:      conn,
		cancel:    cancel,
		refs:      1,
		sinks:     map[Sink]bool{sink: true},
		replay:    hub.NewRing(upstreamReplayChunks),
	}
	if !preview {
		u.full = 1
	}

	p.mu.Lock()
	if existing, ok := p.upstreams[sessionID]; ok {
		// Lost the dial race; ride the winner and drop ours.
		existing.join(preview, sink)
		p.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "duplicate upstream")
		return nil
	}
	p.upstreams[sessionID] = u
	p.mu.Unlock()

	go p.readLoop(readCtx, u)
	slog.Debug("upstream opened", "session", sessionID)
	return nil
}

// join adds a sink to an established upstream. Replay is delivered
// inside the pool's critical section so the sink sees every chunk
// exactly once: in the replay frame or in the live fan-out, never both.
// Callers hold the pool lock.
func (u *upstream) join(preview bool, sink Sink) {
	u.refs++
	if !preview {
		u.full++
		if u.replay.Len() > 0 {
			if frame, err := json.Marshal(wsproto.EncodeData(u.sessionID, u.replay.Snapshot())); err == nil {
				sink.Deliver(frame)
			}
		}
	}
	u.sinks[sink] = true
}

// Unsubscribe detaches a sink. The last ref removes the entry from the
// map before closing the link, so a replacement upstream opened during
// the close handshake is never clobbered by the stale close path.
func (p *Pool) Unsubscribe(sessionID string, preview bool, sink Sink) {
	p.mu.Lock()
	u, ok := p.upstreams[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(u.sinks, sink)
	u.refs--
	if !preview {
		u.full--
	}
	last := u.refs <= 0
	if last {
		delete(p.upstreams, sessionID)
	}
	p.mu.Unlock()

	if last {
		u.cancel()
		u.conn.Close(websocket.StatusNormalClosure, "no subscribers")
		slog.Debug("upstream closed", "session", sessionID)
	}
}

// Retier reclassifies one sink's subscription tier after a preview/full
// switch on the same session. Callers invoke it only when the tier
// actually changed; preview is the new tier.
func (p *Pool) Retier(sessionID string, preview bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.upstreams[sessionID]
	if !ok {
		return
	}
	if preview {
		u.full--
	} else {
		u.full++
	}
}

// Input forwards keystrokes upstream. Frames for sessions with no
// upstream are dropped.
func (p *Pool) Input(ctx context.Context, sessionID string, data string) {
	p.mu.Lock()
	u, ok := p.upstreams[sessionID]
	p.mu.Unlock()
	if !ok {
		return
	}
	u.write(ctx, wsproto.Input{Type: wsproto.TypeInput, SessionID: sessionID, Data: data})
}

// Resize applies the preview/full arbitration before the request ever
// reaches the session manager: a preview resize while any full client
// rides the same upstream is answered locally with the dimensions in
// effect.
func (p *Pool) Resize(ctx context.Context, sessionID string, preview bool, cols, rows int, sink Sink) {
	p.mu.Lock()
	u, ok := p.upstreams[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	if preview && u.full > 0 {
		ackCols, ackRows := u.cols, u.rows
		p.mu.Unlock()
		frame, err := json.Marshal(wsproto.Resized{
			Type: wsproto.TypeResized, SessionID: sessionID,
			Cols: ackCols, Rows: ackRows,
		})
		if err == nil {
			sink.Deliver(frame)
		}
		return
	}
	p.mu.Unlock()
	u.write(ctx, wsproto.Resize{Type: wsproto.TypeResize, SessionID: sessionID, Cols: cols, Rows: rows})
}

// Shutdown closes every upstream.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	ups := make([]*upstream, 0, len(p.upstreams))
	for id, u := range p.upstreams {
		ups = append(ups, u)
		delete(p.upstreams, id)
	}
	p.mu.Unlock()

	for _, u := range ups {
		u.cancel()
		u.conn.Close(websocket.StatusGoingAway, "gateway shutdown")
	}
}

func (p *Pool) dial(ctx context.Context, sessionID string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, upstreamDialTimeout)
	defer cancel()

	wsURL := fmt.Sprintf("%s/ws/terminal?sessionId=%s&preview=false",
		p.managerURL, url.QueryEscape(sessionID))
	conn, _, err := websocket.Dial(dialCtx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial upstream for %s: %w", sessionID, err)
	}
	// Terminal streams are many tiny frames; don't let them pile up.
	conn.SetReadLimit(16 << 20)
	return conn, nil
}

// readLoop pumps frames from the session manager to every sink. On
// close it identity-checks its entry so a stale loop never tears down a
// newer upstream for the same session.
func (p *Pool) readLoop(ctx context.Context, u *upstream) {
	for {
		_, frame, err := u.conn.Read(ctx)
		if err != nil {
			break
		}

		var env wsproto.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			continue
		}

		// Bookkeeping and the sink snapshot share one critical section:
		// a sink added concurrently sees this frame either in its replay
		// or in the live fan-out, never both and never neither.
		p.mu.Lock()
		switch env.Type {
		case wsproto.TypeResized:
			var rs wsproto.Resized
			if json.Unmarshal(frame, &rs) == nil {
				u.cols, u.rows = rs.Cols, rs.Rows
			}
		case wsproto.TypeData:
			var d wsproto.Data
			if json.Unmarshal(frame, &d) == nil {
				if raw, err := wsproto.DecodePayload(d.Data); err == nil {
					u.replay.Append(raw)
				}
			}
		}
		sinks := make([]Sink, 0, len(u.sinks))
		for s := range u.sinks {
			sinks = append(sinks, s)
		}
		p.mu.Unlock()

		for _, s := range sinks {
			s.Deliver(frame)
		}
	}

	p.mu.Lock()
	if p.upstreams[u.sessionID] != u {
		// Already replaced or removed; nothing to clean up.
		p.mu.Unlock()
		return
	}
	delete(p.upstreams, u.sessionID)
	sinks := make([]Sink, 0, len(u.sinks))
	for s := range u.sinks {
		sinks = append(sinks, s)
	}
	p.mu.Unlock()

	slog.Info("upstream lost", "session", u.sessionID)
	for _, s := range sinks {
		s.UpstreamClosed(u.sessionID)
	}
}

func (u *upstream) write(ctx context.Context, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, upstreamDialTimeout)
	defer cancel()
	if err := u.conn.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Debug("upstream write failed", "session", u.sessionID, "err", err)
	}
}
