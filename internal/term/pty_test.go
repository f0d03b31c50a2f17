package term

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// collectPTY runs a command and gathers its output until exit.
func collectPTY(t *testing.T, name string, args ...string) (string, int) {
	t.Helper()

	p, err := Spawn(name, args, "", nil, 80, 24)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	var mu sync.Mutex
	var out strings.Builder
	exitCh := make(chan int, 1)

	p.OnData(func(data []byte) {
		mu.Lock()
		out.Write(data)
		mu.Unlock()
	})
	p.OnExit(func(code int) { exitCh <- code })
	p.Start()

	select {
	case code := <-exitCh:
		mu.Lock()
		defer mu.Unlock()
		return out.String(), code
	case <-time.After(5 * time.Second):
		p.Kill()
		t.Fatalf("child never exited")
		return "", 0
	}
}

func TestSpawnDeliversOutputAndExit(t *testing.T) {
	out, code := collectPTY(t, "sh", "-c", "printf hello-from-pty")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out, "hello-from-pty") {
		t.Fatalf("output = %q", out)
	}
}

func TestSpawnReportsExitCode(t *testing.T) {
	_, code := collectPTY(t, "sh", "-c", "exit 3")
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestWriteReachesChild(t *testing.T) {
	p, err := Spawn("cat", nil, "", nil, 80, 24)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer p.Kill()

	var mu sync.Mutex
	var out strings.Builder
	p.OnData(func(data []byte) {
		mu.Lock()
		out.Write(data)
		mu.Unlock()
	})
	p.OnExit(func(int) {})
	p.Start()

	if err := p.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := out.String()
		mu.Unlock()
		if strings.Contains(got, "ping") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("echoed input never arrived")
}

func TestKillIdempotentAndExitOnce(t *testing.T) {
	p, err := Spawn("sleep", []string{"60"}, "", nil, 80, 24)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	exits := make(chan int, 4)
	p.OnData(func([]byte) {})
	p.OnExit(func(code int) { exits <- code })
	p.Start()

	p.Kill()
	p.Kill()

	select {
	case <-exits:
	case <-time.After(5 * time.Second):
		t.Fatalf("exit callback never fired")
	}
	select {
	case <-exits:
		t.Fatalf("exit callback fired more than once")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWriteAfterExit(t *testing.T) {
	p, err := Spawn("true", nil, "", nil, 80, 24)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	p.OnData(func([]byte) {})
	p.OnExit(func(int) {})
	p.Start()

	<-p.Done()
	if err := p.Write([]byte("late")); err == nil {
		t.Fatalf("write after exit succeeded")
	}
}
