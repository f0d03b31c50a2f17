// Package backend presents one controller contract over the two ways a
// session can run: a shell spawned straight into a PTY, or a detached
// tmux session that the manager attaches a PTY to. Hubs talk only to
// Controller; nothing above this package knows which backend it has.
package backend

import (
	"fmt"
	"os"
)

// Backend kinds, persisted in the registry.
const (
	DirectPTY = "direct_pty"
	Muxed     = "muxed"
)

// Session kinds.
const (
	KindShell = "shell"
	KindAgent = "agent"
)

// Spec is everything needed to start or reattach one session.
type Spec struct {
	SessionID       string
	WorkspacePath   string
	Kind            string // shell | agent
	Backend         string // direct_pty | muxed
	MuxName         string // tmux session name for muxed
	SkipPermissions bool
	AgentResumeID   string
	AgentArgs       []string
	Cols, Rows      int
}

// Events are the controller's upward signals. Output chunks arrive in
// read order; Detached fires exactly once when the underlying process
// or attach goes away.
type Events struct {
	Output   func([]byte)
	Detached func()
}

// Controller drives one live session.
type Controller interface {
	// SendKeys forwards input bytes to the terminal.
	SendKeys(data []byte) error
	// Resize applies new dimensions; best effort.
	Resize(cols, rows int)
	// Capture returns the last n lines of rendered output.
	Capture(lines int) (string, error)
	// Stop tears the session down: for muxed, the tmux session is
	// killed first and the PTY closed only after a short settle.
	Stop()
	// Detach drops the PTY link but leaves a muxed session running.
	// For direct PTY sessions this is the same as Stop.
	Detach()
}

// Adapter builds controllers. One adapter serves the whole manager.
type Adapter struct {
	TmuxBin      string
	AgentCommand string
}

func NewAdapter(tmuxBin, agentCommand string) *Adapter {
	return &Adapter{TmuxBin: tmuxBin, AgentCommand: agentCommand}
}

// Start creates a fresh session and returns its controller.
func (a *Adapter) Start(spec Spec, ev Events) (Controller, error) {
	switch spec.Backend {
	case Muxed:
		return a.startMuxed(spec, ev, true)
	case DirectPTY:
		return a.startDirect(spec, ev)
	default:
		return nil, fmt.Errorf("unknown backend %q", spec.Backend)
	}
}

// Reattach binds a controller to an existing session. For muxed this
// attaches to the live tmux session; for direct PTY the old process is
// gone, so a new shell is spawned in the same workspace.
func (a *Adapter) Reattach(spec Spec, ev Events) (Controller, error) {
	switch spec.Backend {
	case Muxed:
		return a.startMuxed(spec, ev, false)
	case DirectPTY:
		return a.startDirect(spec, ev)
	default:
		return nil, fmt.Errorf("unknown backend %q", spec.Backend)
	}
}

// commandLine builds the program launched inside the session.
func (a *Adapter) commandLine(spec Spec) (string, []string) {
	if spec.Kind == KindAgent {
		args := []string{}
		if spec.SkipPermissions {
			args = append(args, "--dangerously-skip-permissions")
		}
		if spec.AgentResumeID != "" {
			args = append(args, "--resume", spec.AgentResumeID)
		}
		args = append(args, spec.AgentArgs...)
		return a.AgentCommand, args
	}
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return shell, nil
}
