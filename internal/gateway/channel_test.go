package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/driftsh/drift/internal/config"
	"github.com/driftsh/drift/internal/wsproto"
)

// newTestChannel wires a channel straight to a pool; the browser socket
// itself is not exercised here.
func newTestChannel(t *testing.T) (*fakeUpstream, *channel) {
	t.Helper()
	fake, pool := startFake(t)
	srv := &Server{cfg: config.GatewayConfig{}, pool: pool}
	return fake, newChannel(srv, nil, "u1")
}

func subFrame(id string, preview bool) wsproto.Subscribe {
	return wsproto.Subscribe{Type: wsproto.TypeSubscribe, SessionID: id, Preview: preview}
}

func TestChannelSubscribeIdempotent(t *testing.T) {
	fake, c := newTestChannel(t)
	ctx := context.Background()

	c.subscribe(ctx, subFrame("s", false))
	c.subscribe(ctx, subFrame("s", false))
	c.subscribe(ctx, subFrame("s", false))

	if fake.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", fake.dialCount())
	}

	// One unsubscribe (after the grace) must fully release the single ref.
	c.unsubscribe("s")
	select {
	case <-fake.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream not released; duplicate subscribes took extra refs")
	}
}

func TestChannelDeferredUnsubscribeAbsorbsRemount(t *testing.T) {
	fake, c := newTestChannel(t)
	ctx := context.Background()

	c.subscribe(ctx, subFrame("s", false))
	c.unsubscribe("s")
	// Remount lands inside the grace window.
	c.subscribe(ctx, subFrame("s", false))

	select {
	case <-fake.closed:
		t.Fatalf("upstream churned through a tier-switch remount")
	case <-time.After(3 * unsubGrace):
	}
	if fake.dialCount() != 1 {
		t.Fatalf("dials = %d, want exactly 1", fake.dialCount())
	}

	// Without a resubscribe the grace timer does release the upstream.
	c.unsubscribe("s")
	select {
	case <-fake.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never released after grace expiry")
	}
}

func TestChannelTierSwitchWithinGrace(t *testing.T) {
	fake, c := newTestChannel(t)
	ctx := context.Background()
	pool := c.srv.pool

	// Another browser holds a full ref on the same upstream, so a
	// misclassified preview ref would have its resizes suppressed.
	other := &fakeSink{}
	if err := pool.Subscribe(ctx, "s", false, other); err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	c.subscribe(ctx, subFrame("s", true))
	c.unsubscribe("s")

	// Promotion to a full terminal lands inside the grace window.
	f := subFrame("s", false)
	f.Cols, f.Rows = 120, 40
	c.subscribe(ctx, f)

	// The promotion forwards the new size upstream...
	waitManagerFrames(t, fake, 1)

	// ...and later resizes from the promoted client reach the manager
	// instead of being answered locally.
	before := fake.frameCount()
	c.resize(ctx, wsproto.Resize{Type: wsproto.TypeResize, SessionID: "s", Cols: 100, Rows: 31})
	waitManagerFrames(t, fake, before+1)

	if fake.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", fake.dialCount())
	}
}

func waitManagerFrames(t *testing.T, fake *fakeUpstream, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for fake.frameCount() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fake.frameCount() < n {
		t.Fatalf("manager saw %d frames, want at least %d", fake.frameCount(), n)
	}
}

func TestChannelTeardownReleasesAllSubscriptions(t *testing.T) {
	fake, c := newTestChannel(t)
	ctx := context.Background()

	c.subscribe(ctx, subFrame("a", false))
	c.subscribe(ctx, subFrame("b", true))
	if fake.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", fake.dialCount())
	}

	c.teardown()

	for i := 0; i < 2; i++ {
		select {
		case <-fake.closed:
		case <-time.After(2 * time.Second):
			t.Fatalf("upstream %d not released on teardown", i)
		}
	}
	if c.subscribed("a") || c.subscribed("b") {
		t.Fatalf("subscriptions survived teardown")
	}
}

func TestChannelUpstreamClosedPurgesSubscription(t *testing.T) {
	_, c := newTestChannel(t)
	ctx := context.Background()

	c.subscribe(ctx, subFrame("s", false))

	c.UpstreamClosed("s")

	if c.subscribed("s") {
		t.Fatalf("subscription survived upstream loss")
	}
	// The error frame is queued for the browser.
	select {
	case frame := <-c.sendCh:
		if len(frame) == 0 {
			t.Fatalf("empty error frame")
		}
	default:
		t.Fatalf("no error frame queued")
	}
}
