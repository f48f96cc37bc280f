package termproxy

import (
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// Shell is an interactive shell running on a pseudo terminal.
type Shell struct {
	ptmx *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
}

// ShellOptions selects the program and initial window size. An empty Path
// picks the platform default.
type ShellOptions struct {
	Path       string
	Args       []string
	Cols, Rows int
	Env        []string
}

// shellEnvironment is the inherited environment minus variables that would
// leak the server's own session into the console.
func shellEnvironment() []string {
	env := os.Environ()
	cleaned := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "PVETERM_") || strings.HasPrefix(e, "PROMPT_COMMAND=") {
			continue
		}
		cleaned = append(cleaned, e)
	}
	return cleaned
}

// StartShell starts the shell on a new PTY.
func StartShell(opts ShellOptions) (*Shell, error) {
	path, args := opts.Path, opts.Args
	if path == "" {
		path, args = defaultShell()
	}
	if opts.Cols <= 0 || opts.Rows <= 0 {
		opts.Cols, opts.Rows = 80, 24
	}

	cmd := exec.Command(path, args...)
	cmd.Env = append(shellEnvironment(),
		"TERM=xterm-256color",
		`PS1=\u@\h:\w\$ `,
	)
	cmd.Env = append(cmd.Env, opts.Env...)
	setProcAttr(cmd)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(opts.Cols),
		Rows: uint16(opts.Rows),
	})
	if err != nil {
		return nil, err
	}
	return &Shell{ptmx: ptmx, cmd: cmd}, nil
}

// Read returns terminal output. It fails once the shell has exited.
func (s *Shell) Read(p []byte) (int, error) {
	return s.ptmx.Read(p)
}

// Write types p into the terminal.
func (s *Shell) Write(p []byte) (int, error) {
	return s.ptmx.Write(p)
}

// Resize changes the PTY window size.
func (s *Shell) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

// Close terminates the shell with its whole session and releases the PTY.
func (s *Shell) Close() error {
	var err error
	s.closeOnce.Do(func() {
		killProcessGroup(s.cmd)
		_ = s.cmd.Wait()
		err = s.ptmx.Close()
	})
	return err
}
