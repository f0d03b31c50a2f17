package backend

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/driftsh/drift/internal/term"
)

// stopSettle is how long Stop waits between killing the tmux session
// and closing the attach PTY. Tearing the PTY down first leaves an
// orphaned "lost server" error from the attach client on some systems.
const stopSettle = 200 * time.Millisecond

// muxController drives a detached tmux session through an attach PTY.
// The tmux session survives the manager; only the attach client is ours.
type muxController struct {
	tmux *Tmux
	name string
	pty  *term.PTY

	stopOnce sync.Once
}

func (a *Adapter) startMuxed(spec Spec, ev Events, create bool) (Controller, error) {
	tmux := NewTmux(a.TmuxBin)
	if !tmux.Available() {
		return nil, fmt.Errorf("tmux not available")
	}

	if create {
		name, args := a.commandLine(spec)
		cmdline := shellQuoteJoin(name, args)
		if err := tmux.NewSession(spec.MuxName, spec.WorkspacePath, cmdline); err != nil {
			return nil, err
		}
	} else if !tmux.HasSession(spec.MuxName) {
		return nil, fmt.Errorf("tmux session %s not found", spec.MuxName)
	}

	p, err := term.AttachMux(a.TmuxBin, spec.MuxName, spec.Cols, spec.Rows)
	if err != nil {
		if create {
			_ = tmux.KillSession(spec.MuxName)
		}
		return nil, err
	}

	c := &muxController{tmux: tmux, name: spec.MuxName, pty: p}

	p.OnData(func(data []byte) {
		if ev.Output != nil {
			ev.Output(data)
		}
	})
	p.OnExit(func(code int) {
		// The attach client exits on session kill or tmux detach; both
		// normalize to a benign detach, never an error.
		if ev.Detached != nil {
			ev.Detached()
		}
	})
	p.Start()
	return c, nil
}

func (c *muxController) SendKeys(data []byte) error {
	return c.pty.Write(data)
}

func (c *muxController) Resize(cols, rows int) {
	c.pty.Resize(cols, rows)
}

func (c *muxController) Capture(lines int) (string, error) {
	return c.tmux.CapturePane(c.name, lines)
}

// Stop kills the tmux session first, waits for the settle window, then
// closes the attach PTY.
func (c *muxController) Stop() {
	c.stopOnce.Do(func() {
		if err := c.tmux.KillSession(c.name); err == nil {
			time.Sleep(stopSettle)
		}
		c.pty.Kill()
	})
}

// Detach closes only the attach PTY; the tmux session keeps running.
func (c *muxController) Detach() {
	c.pty.Kill()
}

// shellQuoteJoin builds the single command string tmux new-session runs.
func shellQuoteJoin(name string, args []string) string {
	parts := []string{shellQuote(name)}
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if !strings.ContainsAny(s, " \t\n'\"\\$&|;<>()*?[]#~%") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
