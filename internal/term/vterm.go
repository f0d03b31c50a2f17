package term

import (
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

const snapshotScrollback = 2000 // rendered lines kept for snapshots

// Screen feeds raw PTY output through a terminal emulator so the manager
// can answer "last N lines of rendered output" for sessions that have no
// multiplexer to capture from. All methods are safe for concurrent use;
// emulator callbacks fire inside Write with mu held.
type Screen struct {
	emu       *vt.Emulator
	lines     []string // ring of lines scrolled off the top
	head      int
	count     int
	altScreen bool

	mu         sync.Mutex
	cols, rows int
}

// NewScreen creates a Screen with the given dimensions.
func NewScreen(cols, rows int) *Screen {
	s := &Screen{
		emu:   vt.NewEmulator(cols, rows),
		lines: make([]string, snapshotScrollback),
		cols:  cols,
		rows:  rows,
	}
	s.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(out []uv.Line) {
			if s.altScreen {
				return
			}
			for _, line := range out {
				s.lines[s.head] = line.Render()
				s.head = (s.head + 1) % len(s.lines)
				if s.count < len(s.lines) {
					s.count++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range s.lines {
				s.lines[i] = ""
			}
			s.head = 0
			s.count = 0
		},
		AltScreen: func(on bool) {
			s.altScreen = on
		},
	})
	return s
}

// Write feeds PTY output to the emulator.
func (s *Screen) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Write(p)
}

// Resize changes the emulator dimensions.
func (s *Screen) Resize(cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Resize(cols, rows)
	s.cols = cols
	s.rows = rows
}

// LastLines renders the trailing n lines of output: scrollback that has
// rolled off the top followed by the live grid, trimmed of the grid's
// trailing blank rows.
func (s *Screen) LastLines(n int) string {
	if n <= 0 {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []string
	start := (s.head - s.count + len(s.lines)) % len(s.lines)
	for i := range s.count {
		all = append(all, s.lines[(start+i)%len(s.lines)])
	}

	grid := strings.Split(s.emu.Render(), "\n")
	for len(grid) > 0 && strings.TrimSpace(grid[len(grid)-1]) == "" {
		grid = grid[:len(grid)-1]
	}
	all = append(all, grid...)

	if len(all) > n {
		all = all[len(all)-n:]
	}
	return strings.Join(all, "\n")
}

// Close releases the emulator.
func (s *Screen) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Close()
}
