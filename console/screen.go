package console

import (
	"strings"

	"github.com/charmbracelet/x/vt"
)

// Screen replays console output on a virtual terminal, so cursor movement,
// line redraws and scrolling done by the remote shell end up as the text a
// person at the console would see.
type Screen struct {
	emu   *vt.SafeEmulator
	shown []string
}

// NewScreen creates a screen of cols by rows cells.
func NewScreen(cols, rows int) *Screen {
	return &Screen{emu: vt.NewSafeEmulator(cols, rows)}
}

// Write feeds raw console output to the screen.
func (s *Screen) Write(data []byte) (int, error) {
	return s.emu.Write(data)
}

// WriteString is Write for text taken from the output buffer.
func (s *Screen) WriteString(text string) (int, error) {
	return s.emu.Write([]byte(text))
}

// Lines returns the visible rows without trailing blanks. Empty rows below
// the last written one are dropped.
func (s *Screen) Lines() []string {
	rows := strings.Split(s.emu.String(), "\n")
	for i := range rows {
		rows[i] = strings.TrimRight(rows[i], " \t\r")
	}
	for len(rows) > 0 && rows[len(rows)-1] == "" {
		rows = rows[:len(rows)-1]
	}
	return rows
}

// String returns the visible rows joined by newlines.
func (s *Screen) String() string {
	return strings.Join(s.Lines(), "\n")
}

// Diff returns the rows that are new since the previous call, the whole
// screen the first time. Rows that only moved up because the console
// scrolled are not repeated.
func (s *Screen) Diff() string {
	cur := s.Lines()
	changed := changedLines(s.shown, cur)
	s.shown = cur
	return strings.Trim(strings.Join(changed, "\n"), "\n")
}

// Resize changes the screen dimensions.
func (s *Screen) Resize(cols, rows int) {
	s.emu.Resize(cols, rows)
}

// changedLines returns the rows of cur that differ from prev once the
// scroll between the two has been taken into account.
func changedLines(prev, cur []string) []string {
	if len(prev) == 0 {
		return cur
	}
	shift := scrollOffset(prev, cur)
	var changed []string
	for i, line := range cur {
		if j := i + shift; j >= len(prev) || prev[j] != line {
			changed = append(changed, line)
		}
	}
	return changed
}

// scrollOffset finds how many rows prev scrolled off the top to become cur.
// The last row of prev is the prompt line the shell is still editing, so it
// may differ. Zero means no scroll was found.
func scrollOffset(prev, cur []string) int {
	for k := range prev {
		head := prev[k:]
		if len(head) > 1 {
			head = head[:len(head)-1]
		}
		if len(head) > len(cur) {
			continue
		}
		match := true
		for i, line := range head {
			if cur[i] != line {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

// renderScreen renders text on a fresh screen.
func renderScreen(text string, cols, rows int) string {
	s := NewScreen(cols, rows)
	_, _ = s.WriteString(text)
	return s.String()
}
