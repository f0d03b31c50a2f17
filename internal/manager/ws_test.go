package manager

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftsh/drift/internal/term"
	"github.com/driftsh/drift/internal/wsproto"
)

func startTestServer(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	m, _ := newTestManager(t)
	mux := http.NewServeMux()
	NewServer(m, "127.0.0.1:0").registerRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return m, ts
}

func dialTerminal(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/terminal" + query
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var env wsproto.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal frame %s: %v", data, err)
	}
	return env.Type, data
}

// readClose drains the connection until the server closes it and
// returns the close code.
func readClose(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

func sendInput(t *testing.T, conn *websocket.Conn, sessionID string, keys []byte) {
	t.Helper()
	data, err := json.Marshal(wsproto.EncodeInput(sessionID, keys))
	if err != nil {
		t.Fatalf("marshal input: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

// waitForOutput reads data frames until want shows up in the
// accumulated terminal output.
func waitForOutput(t *testing.T, conn *websocket.Conn, want string) {
	t.Helper()
	var buf []byte
	for i := 0; i < 50; i++ {
		typ, raw := readFrame(t, conn)
		if typ != wsproto.TypeData {
			continue
		}
		var d wsproto.Data
		if json.Unmarshal(raw, &d) != nil {
			continue
		}
		p, err := wsproto.DecodePayload(d.Data)
		if err != nil {
			continue
		}
		buf = append(buf, p...)
		if strings.Contains(string(buf), want) {
			return
		}
	}
	t.Fatalf("never saw %q in output, got %q", want, buf)
}

func TestTerminalWSRejectsMissingSessionID(t *testing.T) {
	_, ts := startTestServer(t)

	conn := dialTerminal(t, ts, "")
	if code := readClose(t, conn); code != wsproto.CodeMissingSessionID {
		t.Fatalf("close code = %d, want %d", code, wsproto.CodeMissingSessionID)
	}
}

func TestTerminalWSRejectsUnknownSession(t *testing.T) {
	_, ts := startTestServer(t)

	conn := dialTerminal(t, ts, "?sessionId=no-such-session")
	if code := readClose(t, conn); code != wsproto.CodeSessionNotFound {
		t.Fatalf("close code = %d, want %d", code, wsproto.CodeSessionNotFound)
	}
}

func TestTerminalWSReplaysThenStreams(t *testing.T) {
	// cat's tty echoes every keystroke back, which makes the output
	// deterministic enough to assert on.
	t.Setenv("SHELL", "/bin/cat")
	m, ts := startTestServer(t)

	sess, err := m.Create(CreateRequest{WorkspacePath: t.TempDir()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a := dialTerminal(t, ts, "?sessionId="+sess.ID)

	// First frame: the resized ack at the spawn fallback size.
	typ, raw := readFrame(t, a)
	if typ != wsproto.TypeResized {
		t.Fatalf("first frame = %s, want resized ack", typ)
	}
	var rs wsproto.Resized
	if err := json.Unmarshal(raw, &rs); err != nil {
		t.Fatalf("unmarshal resized: %v", err)
	}
	if rs.Cols != term.DefaultCols || rs.Rows != term.DefaultRows {
		t.Fatalf("initial ack = %dx%d, want %dx%d",
			rs.Cols, rs.Rows, term.DefaultCols, term.DefaultRows)
	}

	sendInput(t, a, sess.ID, []byte("hello\n"))
	waitForOutput(t, a, "hello")

	// A second full subscriber gets the session's history replayed as
	// its very first frame, before any live output.
	b := dialTerminal(t, ts, "?sessionId="+sess.ID)
	typB, rawB := readFrame(t, b)
	if typB != wsproto.TypeData {
		t.Fatalf("late subscriber first frame = %s, want data replay", typB)
	}
	var d wsproto.Data
	if err := json.Unmarshal(rawB, &d); err != nil {
		t.Fatalf("unmarshal replay: %v", err)
	}
	replay, err := wsproto.DecodePayload(d.Data)
	if err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if !strings.Contains(string(replay), "hello") {
		t.Fatalf("replay %q does not contain earlier output", replay)
	}

	// Destroying the session closes every subscriber with 4000.
	if err := m.Kill(sess.ID); err != nil {
		t.Fatalf("kill: %v", err)
	}
	if code := readClose(t, b); code != wsproto.CodeSessionGone {
		t.Fatalf("close code after kill = %d, want %d", code, wsproto.CodeSessionGone)
	}
}
