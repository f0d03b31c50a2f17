package manager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/driftsh/drift/internal/hub"
	"github.com/driftsh/drift/internal/registry"
	"github.com/driftsh/drift/internal/wsproto"
)

const wsWriteTimeout = 10 * time.Second

// handleTerminalWS serves one raw subscriber: /ws/terminal?sessionId=<id>&preview=<bool>.
// Terminal frames flow both ways from here on; see the wsproto package
// for the frame shapes.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Debug("terminal ws accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	q := r.URL.Query()
	sessionID := q.Get("sessionId")
	if sessionID == "" {
		conn.Close(wsproto.CodeMissingSessionID, "missing sessionId")
		return
	}
	preview := q.Get("preview") == "true"

	sess, err := s.mgr.Get(sessionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			conn.Close(wsproto.CodeSessionNotFound, "session not found")
		} else {
			conn.Close(websocket.StatusInternalError, "registry error")
		}
		return
	}

	clientID := uuid.NewString()
	h := s.mgr.Hub(sess)
	ch, err := h.Subscribe(clientID, preview, 0, 0)
	if err != nil {
		slog.Warn("subscribe failed", "session", sessionID, "err", err)
		conn.Close(wsproto.CodeSessionGone, "session unavailable")
		return
	}
	defer h.Unsubscribe(clientID)

	slog.Debug("terminal subscriber attached",
		"session", sessionID, "client", clientID, "preview", preview)

	ctx := r.Context()

	// Writer: hub messages out to the socket. Channel close or a closed
	// message both end the connection.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for msg := range ch {
			switch msg.Kind {
			case hub.MsgData:
				frame := wsproto.EncodeData(sessionID, msg.Data)
				if writeFrame(ctx, conn, frame) != nil {
					return
				}
			case hub.MsgResized:
				frame := wsproto.Resized{
					Type: wsproto.TypeResized, SessionID: sessionID,
					Cols: msg.Cols, Rows: msg.Rows,
				}
				if writeFrame(ctx, conn, frame) != nil {
					return
				}
			case hub.MsgClosed:
				conn.Close(wsproto.CodeSessionGone, "session destroyed")
				return
			}
		}
	}()

	// Reader: input and resize frames in. Malformed frames are dropped.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var env wsproto.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("malformed terminal frame", "session", sessionID, "err", err)
			continue
		}
		switch env.Type {
		case wsproto.TypeInput:
			var in wsproto.Input
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			raw, err := wsproto.DecodePayload(in.Data)
			if err != nil {
				slog.Debug("bad input payload", "session", sessionID, "err", err)
				continue
			}
			h.Input(raw)
		case wsproto.TypeResize:
			var rs wsproto.Resize
			if err := json.Unmarshal(data, &rs); err != nil {
				continue
			}
			h.Resize(clientID, rs.Cols, rs.Rows)
		default:
			slog.Debug("unexpected terminal frame", "session", sessionID, "type", env.Type)
		}
	}

	h.Unsubscribe(clientID)
	<-writeDone
}

func writeFrame(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
