package console

import (
	"strings"
	"testing"
)

// --- Screen Basic Tests ---

func TestScreenPlainText(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString("Hello, World!")

	if got := s.String(); !strings.Contains(got, "Hello, World!") {
		t.Errorf("Screen missing text. Got: %q", got)
	}
}

func TestScreenMultipleLines(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString("Line 1\r\nLine 2\r\nLine 3")

	got := s.String()
	for _, want := range []string{"Line 1", "Line 2", "Line 3"} {
		if !strings.Contains(got, want) {
			t.Errorf("Missing %q. Got: %q", want, got)
		}
	}
}

// TestScreenColorsStripped verifies SGR sequences never reach the text.
func TestScreenColorsStripped(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString("\x1b[31mRed text\x1b[0m Normal text")

	got := s.String()
	if !strings.Contains(got, "Red text") || !strings.Contains(got, "Normal text") {
		t.Errorf("Missing text content. Got: %q", got)
	}
	if strings.Contains(got, "\x1b[") {
		t.Error("ANSI escape codes leaked into screen text")
	}
}

// TestScreenPasteModeInvisible verifies the bracketed paste toggles a PVE
// shell emits around every prompt leave nothing on screen.
func TestScreenPasteModeInvisible(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString(pasteDisable + "\r\nhello\r\n" + pasteEnable + "root@pve1:~# ")

	got := s.String()
	if strings.Contains(got, "2004") {
		t.Errorf("Paste mode sequence rendered as text: %q", got)
	}
	if !strings.HasSuffix(got, "root@pve1:~#") {
		t.Errorf("Prompt should end the screen. Got: %q", got)
	}
}

func TestScreenCursorRelativeMovement(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString("AB\x1b[1DX")

	if got := s.String(); !strings.Contains(got, "AX") {
		t.Errorf("Relative cursor move failed. Expected 'AX', got: %q", got)
	}
}

func TestScreenClear(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString("Old content")
	s.WriteString("\x1b[2J\x1b[H")
	s.WriteString("New content")

	got := s.String()
	if strings.Contains(got, "Old content") {
		t.Error("Old content still visible after screen clear")
	}
	if !strings.Contains(got, "New content") {
		t.Error("New content missing after screen clear")
	}
}

func TestScreenEmpty(t *testing.T) {
	s := NewScreen(80, 24)
	if got := s.String(); got != "" {
		t.Errorf("Expected empty screen, got %q", got)
	}
}

// --- Diff Tests ---

func TestScreenDiff(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString("Line 1\r\n")

	if diff := s.Diff(); !strings.Contains(diff, "Line 1") {
		t.Errorf("First diff should return full content. Got: %q", diff)
	}
	if diff := s.Diff(); diff != "" {
		t.Errorf("Expected empty diff, got: %q", diff)
	}

	s.WriteString("Line 2\r\n")
	diff := s.Diff()
	if !strings.Contains(diff, "Line 2") {
		t.Errorf("Diff should contain new content. Got: %q", diff)
	}
	if strings.Contains(diff, "Line 1") {
		t.Errorf("Diff should not repeat unchanged lines. Got: %q", diff)
	}
}

func TestScreenResize(t *testing.T) {
	s := NewScreen(80, 24)
	s.WriteString("Before resize")
	s.Resize(120, 50)
	s.WriteString("\r\nAfter resize")

	if got := s.String(); !strings.Contains(got, "After resize") {
		t.Error("Content missing after resize")
	}
}

// TestScreenDiffAfterScroll verifies rows pushed up by new output are not
// reported again.
func TestScreenDiffAfterScroll(t *testing.T) {
	s := NewScreen(20, 3)
	s.WriteString("a\r\nb\r\nc")
	if diff := s.Diff(); diff != "a\nb\nc" {
		t.Fatalf("First diff = %q, want full screen", diff)
	}

	s.WriteString("\r\nd")
	if got := s.String(); got != "b\nc\nd" {
		t.Fatalf("Screen after scroll = %q, want %q", got, "b\nc\nd")
	}
	if diff := s.Diff(); diff != "d" {
		t.Errorf("Diff after scroll = %q, want %q", diff, "d")
	}
}

func TestScreenLines(t *testing.T) {
	s := NewScreen(40, 10)
	s.WriteString("one   \r\n\r\nthree\r\n")

	got := s.Lines()
	want := []string{"one", "", "three"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Lines() = %q, want %q", got, want)
	}
}

// --- changedLines Unit Tests ---

func TestChangedLines(t *testing.T) {
	prompt := "root@pve1:~#"
	tests := []struct {
		name      string
		prev, cur []string
		want      []string
	}{
		{"empty_prev", nil, []string{"Hello"}, []string{"Hello"}},
		{"identical", []string{"Hello"}, []string{"Hello"}, nil},
		{"appended", []string{"Line 1", "Line 2"}, []string{"Line 1", "Line 2", "Line 3"}, []string{"Line 3"}},
		{"changed", []string{"Line 1", "Line 2"}, []string{"Line 1", "Line 2 MODIFIED"}, []string{"Line 2 MODIFIED"}},
		{
			"command_at_prompt",
			[]string{"motd", prompt},
			[]string{"motd", prompt + " uptime", "up 3 days", prompt},
			[]string{prompt + " uptime", "up 3 days", prompt},
		},
		{
			"scrolled_while_typing",
			[]string{"l1", "l2", "l3", prompt},
			[]string{"l2", "l3", prompt + " ls", "file", prompt},
			[]string{prompt + " ls", "file", prompt},
		},
		{"cleared", []string{"a", "b", "c"}, []string{"x"}, []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := changedLines(tt.prev, tt.cur)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("changedLines() = %q, want %q", got, tt.want)
			}
		})
	}
}
