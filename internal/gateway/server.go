package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/driftsh/drift/internal/config"
	"github.com/driftsh/drift/internal/wsproto"
)

// unsubGrace is how long an unsubscribed session stays orphaned before
// the upstream ref is actually released. Single-page UIs remount tiles
// constantly; the grace absorbs that without churning the PTY.
const unsubGrace = 200 * time.Millisecond

const channelSendQueue = 512

// Server is the gateway: one multiplexed WebSocket per browser.
type Server struct {
	cfg    config.GatewayConfig
	pool   *Pool
	secret []byte
}

func NewServer(cfg config.GatewayConfig, secret []byte) *Server {
	return &Server{
		cfg:    cfg,
		pool:   NewPool(cfg.ManagerURL),
		secret: secret,
	}
}

// ListenAndServe blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/terminals", s.handleTerminals)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	srv := &http.Server{Addr: s.cfg.Addr, Handler: mux}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	slog.Info("gateway listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		s.pool.Shutdown()
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// handleTerminals serves /ws/terminals?token=<jwt>.
func (s *Server) handleTerminals(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Debug("terminals ws accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	// An empty secret disables auth; meant for tests and local loops.
	userID := "anonymous"
	if len(s.secret) > 0 {
		claims, err := ValidateToken(s.secret, r.URL.Query().Get("token"))
		if err != nil {
			conn.Close(wsproto.CodeAuthFailed, "authentication failed")
			return
		}
		userID = claims.Subject
	}

	ch := newChannel(s, conn, userID)
	slog.Info("browser connected", "user", ch.userID)
	ch.run(r.Context())
	slog.Info("browser disconnected", "user", ch.userID)
}

// subscription is one session's membership on a browser channel.
type subscription struct {
	preview bool
	// orphan is non-nil while a deferred unsubscribe is pending.
	orphan *time.Timer
}

// channel is one browser's multiplexed socket.
type channel struct {
	srv    *Server
	conn   *websocket.Conn
	userID string

	sendCh chan []byte

	// limiter meters input bytes so one tab cannot flood a PTY.
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string]*subscription
	dead bool
}

func newChannel(srv *Server, conn *websocket.Conn, userID string) *channel {
	// Zero disables metering.
	limiter := rate.NewLimiter(rate.Inf, 0)
	if n := srv.cfg.InputRateBytes; n > 0 {
		limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	return &channel{
		srv:     srv,
		conn:    conn,
		userID:  userID,
		sendCh:  make(chan []byte, channelSendQueue),
		limiter: limiter,
		subs:    make(map[string]*subscription),
	}
}

func (c *channel) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	c.readLoop(ctx)
	c.teardown()
}

func (c *channel) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		var env wsproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("malformed browser frame", "user", c.userID, "err", err)
			continue
		}

		switch env.Type {
		case wsproto.TypeSubscribe:
			var f wsproto.Subscribe
			if json.Unmarshal(data, &f) == nil && f.SessionID != "" {
				c.subscribe(ctx, f)
			}
		case wsproto.TypeUnsubscribe:
			var f wsproto.Unsubscribe
			if json.Unmarshal(data, &f) == nil && f.SessionID != "" {
				c.unsubscribe(f.SessionID)
			}
		case wsproto.TypeInput:
			var f wsproto.Input
			if json.Unmarshal(data, &f) == nil && c.subscribed(f.SessionID) {
				if !c.limiter.AllowN(time.Now(), len(f.Data)) {
					slog.Debug("input rate exceeded", "user", c.userID, "session", f.SessionID)
					continue
				}
				c.srv.pool.Input(ctx, f.SessionID, f.Data)
			}
		case wsproto.TypeResize:
			var f wsproto.Resize
			if json.Unmarshal(data, &f) == nil {
				c.resize(ctx, f)
			}
		default:
			slog.Debug("unexpected browser frame", "user", c.userID, "type", env.Type)
		}
	}
}

func (c *channel) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.conn.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// subscribe joins a session's stream. Resubscribing an orphaned
// session cancels the pending unsubscribe without touching the
// upstream; a tier switch on resubscribe (the preview tile promoted to
// a full terminal, or back) reclassifies the pool ref so resize
// arbitration keeps working.
func (c *channel) subscribe(ctx context.Context, f wsproto.Subscribe) {
	c.mu.Lock()
	if sub, ok := c.subs[f.SessionID]; ok {
		if sub.orphan != nil {
			sub.orphan.Stop()
			sub.orphan = nil
		}
		switched := sub.preview != f.Preview
		if switched {
			sub.preview = f.Preview
		}
		c.mu.Unlock()
		if switched {
			c.srv.pool.Retier(f.SessionID, f.Preview)
			if f.Cols > 0 && f.Rows > 0 {
				c.srv.pool.Resize(ctx, f.SessionID, f.Preview, f.Cols, f.Rows, c)
			}
		}
		return
	}
	sub := &subscription{preview: f.Preview}
	c.subs[f.SessionID] = sub
	c.mu.Unlock()

	if err := c.srv.pool.Subscribe(ctx, f.SessionID, f.Preview, c); err != nil {
		slog.Warn("upstream subscribe failed", "user", c.userID, "session", f.SessionID, "err", err)
		c.mu.Lock()
		delete(c.subs, f.SessionID)
		c.mu.Unlock()
		c.sendError(f.SessionID, wsproto.CodeSessionGone, "upstream unavailable")
		return
	}

	if f.Cols > 0 && f.Rows > 0 {
		c.srv.pool.Resize(ctx, f.SessionID, f.Preview, f.Cols, f.Rows, c)
	}
}

// unsubscribe marks the session orphaned and arms the grace timer; the
// upstream ref is only released if no resubscribe lands first.
func (c *channel) unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sub, ok := c.subs[sessionID]
	if !ok || sub.orphan != nil {
		return
	}
	sub.orphan = time.AfterFunc(unsubGrace, func() {
		c.mu.Lock()
		cur, ok := c.subs[sessionID]
		if !ok || cur.orphan == nil || c.dead {
			c.mu.Unlock()
			return
		}
		delete(c.subs, sessionID)
		c.mu.Unlock()
		c.srv.pool.Unsubscribe(sessionID, cur.preview, c)
	})
}

func (c *channel) resize(ctx context.Context, f wsproto.Resize) {
	c.mu.Lock()
	sub, ok := c.subs[f.SessionID]
	preview := ok && sub.preview
	c.mu.Unlock()
	if !ok {
		return
	}
	c.srv.pool.Resize(ctx, f.SessionID, preview, f.Cols, f.Rows, c)
}

func (c *channel) subscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[sessionID]
	return ok
}

// teardown releases every subscription after the socket dies.
func (c *channel) teardown() {
	c.mu.Lock()
	c.dead = true
	subs := make(map[string]*subscription, len(c.subs))
	for id, sub := range c.subs {
		if sub.orphan != nil {
			sub.orphan.Stop()
		}
		subs[id] = sub
		delete(c.subs, id)
	}
	c.mu.Unlock()

	for id, sub := range subs {
		c.srv.pool.Unsubscribe(id, sub.preview, c)
	}
}

// Deliver implements Sink. A browser that cannot keep up loses frames,
// never the gateway.
func (c *channel) Deliver(frame []byte) {
	select {
	case c.sendCh <- frame:
	default:
		slog.Debug("browser send queue full, dropping frame", "user", c.userID)
	}
}

// UpstreamClosed implements Sink: error(4000) out, subscription purged.
// Input frames for the session are dropped from then on.
func (c *channel) UpstreamClosed(sessionID string) {
	c.mu.Lock()
	sub, ok := c.subs[sessionID]
	if ok {
		if sub.orphan != nil {
			sub.orphan.Stop()
		}
		delete(c.subs, sessionID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.sendError(sessionID, wsproto.CodeSessionGone, "session stream lost")
}

func (c *channel) sendError(sessionID string, code int, msg string) {
	frame, err := json.Marshal(wsproto.ErrorFrame{
		Type: wsproto.TypeError, SessionID: sessionID, Code: code, Error: msg,
	})
	if err != nil {
		return
	}
	c.Deliver(frame)
}
