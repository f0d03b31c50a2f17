package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftsh/drift/internal/wsproto"
)

// fakeUpstream plays the session manager's /ws/terminal endpoint. Each
// accepted connection is parked in a read loop so the test can push
// frames down it and observe what the pool sends up.
type fakeUpstream struct {
	mu     sync.Mutex
	dials  int
	conns  []*websocket.Conn
	frames [][]byte // frames received from the pool
	closed chan struct{}
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{closed: make(chan struct{}, 16)}
}

func (f *fakeUpstream) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	f.mu.Lock()
	f.dials++
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			f.closed <- struct{}{}
			return
		}
		f.mu.Lock()
		f.frames = append(f.frames, data)
		f.mu.Unlock()
	}
}

func (f *fakeUpstream) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeUpstream) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeUpstream) push(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("push: %v", err)
	}
}

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
	lost   []string
}

func (s *fakeSink) Deliver(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

func (s *fakeSink) UpstreamClosed(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = append(s.lost, sessionID)
}

func (s *fakeSink) frameTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) waitFrames(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.frames) >= n {
			out := make([][]byte, len(s.frames))
			copy(out, s.frames)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames", n)
	return nil
}

func (s *fakeSink) waitLost(t *testing.T) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.lost) > 0 {
			id := s.lost[0]
			s.mu.Unlock()
			return id
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for upstream-closed notice")
	return ""
}

func startFake(t *testing.T) (*fakeUpstream, *Pool) {
	t.Helper()
	fake := newFakeUpstream()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/terminal", fake.handler)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return fake, NewPool(ts.URL)
}

func TestPoolSharesOneUpstream(t *testing.T) {
	fake, pool := startFake(t)
	ctx := context.Background()

	s1, s2 := &fakeSink{}, &fakeSink{}
	if err := pool.Subscribe(ctx, "sess", false, s1); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	if err := pool.Subscribe(ctx, "sess", true, s2); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	if fake.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", fake.dialCount())
	}

	fake.push(t, wsproto.EncodeData("sess", []byte("hi")))

	for _, s := range []*fakeSink{s1, s2} {
		frames := s.waitFrames(t, 1)
		var d wsproto.Data
		if err := json.Unmarshal(frames[0], &d); err != nil || d.Type != wsproto.TypeData {
			t.Fatalf("bad frame %s (err %v)", frames[0], err)
		}
	}
}

func TestPoolReplaysScrollbackToLateFullSink(t *testing.T) {
	fake, pool := startFake(t)
	ctx := context.Background()

	s1 := &fakeSink{}
	if err := pool.Subscribe(ctx, "sess", false, s1); err != nil {
		t.Fatalf("subscribe 1: %v", err)
	}
	fake.push(t, wsproto.EncodeData("sess", []byte("ear")))
	fake.push(t, wsproto.EncodeData("sess", []byte("ly")))
	s1.waitFrames(t, 2)

	// A full sink joining the established upstream gets the buffered
	// output as one frame, in order, without a second dial.
	s2 := &fakeSink{}
	if err := pool.Subscribe(ctx, "sess", false, s2); err != nil {
		t.Fatalf("subscribe 2: %v", err)
	}
	frames := s2.waitFrames(t, 1)
	var d wsproto.Data
	if err := json.Unmarshal(frames[0], &d); err != nil || d.Type != wsproto.TypeData {
		t.Fatalf("bad replay frame %s (err %v)", frames[0], err)
	}
	raw, err := wsproto.DecodePayload(d.Data)
	if err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if string(raw) != "early" {
		t.Fatalf("replay = %q, want %q", raw, "early")
	}
	if fake.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", fake.dialCount())
	}

	// Live output after the replay still reaches the late sink, once.
	fake.push(t, wsproto.EncodeData("sess", []byte("next")))
	s2.waitFrames(t, 2)

	// Preview sinks join without replay.
	prev := &fakeSink{}
	if err := pool.Subscribe(ctx, "sess", true, prev); err != nil {
		t.Fatalf("subscribe preview: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if prev.frameTotal() != 0 {
		t.Fatalf("preview sink received %d replay frames, want 0", prev.frameTotal())
	}
}

func TestPoolClosesOnLastUnsubscribe(t *testing.T) {
	fake, pool := startFake(t)
	ctx := context.Background()

	s1, s2 := &fakeSink{}, &fakeSink{}
	pool.Subscribe(ctx, "sess", false, s1)
	pool.Subscribe(ctx, "sess", false, s2)

	pool.Unsubscribe("sess", false, s1)
	select {
	case <-fake.closed:
		t.Fatalf("upstream closed while a ref remained")
	case <-time.After(100 * time.Millisecond):
	}

	pool.Unsubscribe("sess", false, s2)
	select {
	case <-fake.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream not closed after last unsubscribe")
	}

	// A fresh subscribe dials a fresh upstream; the stale close path
	// must not have clobbered the map.
	if err := pool.Subscribe(ctx, "sess", false, &fakeSink{}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if fake.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", fake.dialCount())
	}
}

func TestPoolNotifiesSinksOnUpstreamLoss(t *testing.T) {
	fake, pool := startFake(t)
	ctx := context.Background()

	sink := &fakeSink{}
	pool.Subscribe(ctx, "sess", false, sink)

	fake.mu.Lock()
	conn := fake.conns[0]
	fake.mu.Unlock()
	conn.Close(websocket.StatusInternalError, "crash")

	if id := sink.waitLost(t); id != "sess" {
		t.Fatalf("lost session = %q, want sess", id)
	}

	// The entry is gone: input frames for the session are dropped, and
	// a resubscribe dials again.
	pool.Input(ctx, "sess", "aGk=")
	if err := pool.Subscribe(ctx, "sess", false, &fakeSink{}); err != nil {
		t.Fatalf("resubscribe after loss: %v", err)
	}
	if fake.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", fake.dialCount())
	}
}

func TestPoolSuppressesPreviewResize(t *testing.T) {
	fake, pool := startFake(t)
	ctx := context.Background()

	full, prev := &fakeSink{}, &fakeSink{}
	pool.Subscribe(ctx, "sess", false, full)
	pool.Subscribe(ctx, "sess", true, prev)

	// The manager acks the full client's size; the pool records it.
	fake.push(t, wsproto.Resized{Type: wsproto.TypeResized, SessionID: "sess", Cols: 100, Rows: 30})
	full.waitFrames(t, 1)
	prev.waitFrames(t, 1)

	before := fake.frameCount()
	pool.Resize(ctx, "sess", true, 50, 12, prev)

	frames := prev.waitFrames(t, 2)
	var rs wsproto.Resized
	if err := json.Unmarshal(frames[1], &rs); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rs.Type != wsproto.TypeResized || rs.Cols != 100 || rs.Rows != 30 {
		t.Fatalf("suppressed ack = %+v, want 100x30", rs)
	}

	time.Sleep(50 * time.Millisecond)
	if fake.frameCount() != before {
		t.Fatalf("suppressed preview resize reached the manager")
	}

	// A full resize does go upstream.
	pool.Resize(ctx, "sess", false, 120, 40, full)
	deadline := time.Now().Add(2 * time.Second)
	for fake.frameCount() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fake.frameCount() != before+1 {
		t.Fatalf("full resize never reached the manager")
	}
}
