// Package term owns the pseudo-terminals behind every session: spawning
// a child into a fresh PTY, attaching a PTY to a tmux session, and the
// read/write/resize plumbing on top of the descriptor.
package term

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

const (
	readBufSize  = 32 * 1024
	writeQueue   = 256
	writeTimeout = 100 * time.Millisecond
)

// Fallback dimensions applied when a PTY is spawned before any client
// has sized it.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// ErrWriteStalled is returned when the input queue stays full past the
// write bound. The caller decides whether to drop the client.
var ErrWriteStalled = errors.New("pty input queue stalled")

// PTY is one pseudo-terminal with a child attached. Data and exit
// delivery are callback-based: chunks arrive in read order on a single
// goroutine, and the exit callback fires exactly once per PTY.
type PTY struct {
	ptmx *os.File
	cmd  *exec.Cmd

	dataFn func([]byte)
	exitFn func(code int)

	writeCh  chan []byte
	exitOnce sync.Once
	killOnce sync.Once
	done     chan struct{}
}

// Spawn creates a PTY and starts cmd attached to it.
func Spawn(name string, args []string, cwd string, env []string, cols, rows int) (*PTY, error) {
	cmd := exec.Command(name, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, winsize(cols, rows))
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}
	return newPTY(ptmx, cmd), nil
}

// AttachMux spawns the multiplexer's attach command inside a PTY. The
// tmux session itself keeps running when this PTY goes away.
func AttachMux(tmuxBin, muxName string, cols, rows int) (*PTY, error) {
	cmd := exec.Command(tmuxBin, "attach-session", "-t", muxName)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, winsize(cols, rows))
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", muxName, err)
	}
	return newPTY(ptmx, cmd), nil
}

func newPTY(ptmx *os.File, cmd *exec.Cmd) *PTY {
	return &PTY{
		ptmx:    ptmx,
		cmd:     cmd,
		writeCh: make(chan []byte, writeQueue),
		done:    make(chan struct{}),
	}
}

// OnData registers the output callback. Must be set before Start.
func (p *PTY) OnData(fn func([]byte)) { p.dataFn = fn }

// OnExit registers the exit callback. Must be set before Start.
func (p *PTY) OnExit(fn func(code int)) { p.exitFn = fn }

// Start launches the read, write, and reap goroutines.
func (p *PTY) Start() {
	go p.readLoop()
	go p.writeLoop()
	go p.waitLoop()
}

// Pid returns the child's process id.
func (p *PTY) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *PTY) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 && p.dataFn != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.dataFn(data)
		}
		if err != nil {
			// EIO after child exit is the normal Linux teardown path,
			// not an error worth surfacing.
			if !errors.Is(err, unix.EIO) && !errors.Is(err, os.ErrClosed) {
				slog.Debug("pty read ended", "pid", p.Pid(), "err", err)
			}
			return
		}
	}
}

func (p *PTY) writeLoop() {
	for {
		select {
		case data := <-p.writeCh:
			if _, err := p.ptmx.Write(data); err != nil {
				slog.Debug("pty write failed", "pid", p.Pid(), "err", err)
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *PTY) waitLoop() {
	code := 0
	if err := p.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	p.exitOnce.Do(func() {
		close(p.done)
		p.ptmx.Close()
		if p.exitFn != nil {
			p.exitFn(code)
		}
	})
}

// Write enqueues input bytes. It blocks at most writeTimeout when the
// queue is full, then reports ErrWriteStalled.
func (p *PTY) Write(data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.writeCh <- buf:
		return nil
	case <-p.done:
		return os.ErrClosed
	case <-time.After(writeTimeout):
		return ErrWriteStalled
	}
}

// Resize is best effort; a failure is logged, never raised.
func (p *PTY) Resize(cols, rows int) {
	if err := pty.Setsize(p.ptmx, winsize(cols, rows)); err != nil {
		slog.Debug("pty resize failed", "pid", p.Pid(), "cols", cols, "rows", rows, "err", err)
	}
}

// Kill terminates the child and closes the PTY. Idempotent; the exit
// callback still fires exactly once, from waitLoop.
func (p *PTY) Kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Signal(unix.SIGTERM)
			go func() {
				select {
				case <-p.done:
				case <-time.After(3 * time.Second):
					_ = p.cmd.Process.Kill()
				}
			}()
		}
		p.ptmx.Close()
	})
}

// Done is closed once the child has been reaped.
func (p *PTY) Done() <-chan struct{} { return p.done }

func winsize(cols, rows int) *pty.Winsize {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	return &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}
}
