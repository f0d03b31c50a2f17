package backend

import (
	"sync"

	"github.com/driftsh/drift/internal/term"
)

// directController runs a child straight in a PTY owned by this process.
// It cannot outlive the manager; a restart leaves nothing to reattach.
type directController struct {
	pty    *term.PTY
	screen *term.Screen

	mu   sync.Mutex
	size [2]int
}

func (a *Adapter) startDirect(spec Spec, ev Events) (Controller, error) {
	name, args := a.commandLine(spec)

	p, err := term.Spawn(name, args, spec.WorkspacePath, nil, spec.Cols, spec.Rows)
	if err != nil {
		return nil, err
	}

	c := &directController{
		pty:    p,
		screen: term.NewScreen(dim(spec.Cols, term.DefaultCols), dim(spec.Rows, term.DefaultRows)),
	}

	p.OnData(func(data []byte) {
		c.screen.Write(data)
		if ev.Output != nil {
			ev.Output(data)
		}
	})
	p.OnExit(func(code int) {
		if ev.Detached != nil {
			ev.Detached()
		}
	})
	p.Start()
	return c, nil
}

func (c *directController) SendKeys(data []byte) error {
	return c.pty.Write(data)
}

func (c *directController) Resize(cols, rows int) {
	c.pty.Resize(cols, rows)
	c.screen.Resize(dim(cols, term.DefaultCols), dim(rows, term.DefaultRows))
}

func (c *directController) Capture(lines int) (string, error) {
	return c.screen.LastLines(lines), nil
}

func (c *directController) Stop() {
	c.pty.Kill()
}

// Detach is identical to Stop: a direct PTY has nothing to detach from.
func (c *directController) Detach() {
	c.pty.Kill()
}

func dim(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
