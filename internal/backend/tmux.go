package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const tmuxProbeTimeout = 5 * time.Second

// Tmux wraps the multiplexer CLI. Every call is timeboxed so a wedged
// tmux server cannot stall the manager.
type Tmux struct {
	Bin string
}

func NewTmux(bin string) *Tmux {
	if bin == "" {
		bin = "tmux"
	}
	return &Tmux{Bin: bin}
}

// Available reports whether the tmux binary can be found.
func (t *Tmux) Available() bool {
	_, err := exec.LookPath(t.Bin)
	return err == nil
}

func (t *Tmux) run(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, t.Bin, args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// NewSession creates a detached session running cmdline in dir.
func (t *Tmux) NewSession(name, dir, cmdline string) error {
	args := []string{"new-session", "-d", "-s", name}
	if dir != "" {
		args = append(args, "-c", dir)
	}
	if cmdline != "" {
		args = append(args, cmdline)
	}
	_, err := t.run(args...)
	return err
}

// HasSession reports whether a session with this exact name exists.
func (t *Tmux) HasSession(name string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxProbeTimeout)
	defer cancel()
	// "-t name" prefix-matches; "=name" forces an exact match.
	return exec.CommandContext(ctx, t.Bin, "has-session", "-t", "="+name).Run() == nil
}

// KillSession terminates a session. Missing sessions are not an error.
func (t *Tmux) KillSession(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, t.Bin, "kill-session", "-t", "="+name).CombinedOutput()
	if err != nil && !strings.Contains(string(out), "can't find session") {
		return fmt.Errorf("tmux kill-session: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListSessions returns the names of live sessions carrying the prefix.
// A missing tmux server yields an empty list, not an error.
func (t *Tmux) ListSessions(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), tmuxProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, t.Bin, "list-sessions", "-F", "#{session_name}").CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "no server running") ||
			strings.Contains(string(out), "No such file or directory") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %w (%s)", err, strings.TrimSpace(string(out)))
	}
	var names []string
	for line := range strings.Lines(string(out)) {
		name := strings.TrimSpace(line)
		if name != "" && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// SendKeys injects literal bytes into a session's active pane without
// an attach client.
func (t *Tmux) SendKeys(name, keys string) error {
	_, err := t.run("send-keys", "-t", "="+name, "-l", keys)
	return err
}

// PaneCWD returns the working directory of the session's active pane.
func (t *Tmux) PaneCWD(name string) (string, error) {
	out, err := t.run("display-message", "-p", "-t", "="+name, "#{pane_current_path}")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CapturePane returns the last n lines of the session's rendered pane.
func (t *Tmux) CapturePane(name string, lines int) (string, error) {
	out, err := t.run("capture-pane", "-p", "-t", "="+name, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	out = strings.TrimRight(out, "\n")
	split := strings.Split(out, "\n")
	if len(split) > lines {
		split = split[len(split)-lines:]
	}
	return strings.Join(split, "\n"), nil
}
