package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pve-terminal/console"
)

// shellSession is the part of console.Client the REPL drives.
type shellSession interface {
	SendCommand(ctx context.Context, text string) error
	WaitForPrompt(ctx context.Context, timeout time.Duration) bool
	ExecuteCommand(ctx context.Context, command string, timeout time.Duration) console.CommandResult
	DownloadToFile(ctx context.Context, remotePath, localPath string, chunkSizeKB int, timeout time.Duration) error
	Output() string
	ClearOutput()
}

func newShellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive line shell on the node console",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()

			c, err := connect(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Disconnect()

			repl := &shellREPL{
				session: c,
				screen:  console.NewScreen(cfg.Terminal.Cols, cfg.Terminal.Rows),
				timeout: cfg.Terminal.CommandTimeout,
				chunkKB: cfg.Terminal.ChunkSizeKB,
				out:     cmd.OutOrStdout(),
			}
			return repl.run(ctx, cmd.InOrStdin())
		},
	}
}

// shellREPL sends each input line to the console and prints what changed on
// screen. Lines starting with ":" are local commands.
type shellREPL struct {
	session shellSession
	screen  *console.Screen
	timeout time.Duration
	chunkKB int
	out     io.Writer
}

const shellHelp = `Commands:
  <any shell command>        typed into the node console
  :exec <command>            run with separated stdout, stderr and exit code
  :get <remote> [local]      download a file with sha256 verification
  :help                      this text
  exit, quit                 leave`

func (r *shellREPL) run(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(r.out, "Proxmox VE console ('exit' to quit, ':help' for commands)")
	r.show()

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "exit" || line == "quit":
			fmt.Fprintln(r.out, "Goodbye!")
			return nil
		case line == ":help":
			fmt.Fprintln(r.out, shellHelp)
		case strings.HasPrefix(line, ":exec "):
			r.exec(ctx, strings.TrimSpace(strings.TrimPrefix(line, ":exec ")))
		case strings.HasPrefix(line, ":get "):
			r.get(ctx, strings.Fields(strings.TrimPrefix(line, ":get ")))
		default:
			if err := r.send(ctx, line); err != nil {
				return err
			}
		}
	}
	return scanner.Err()
}

func (r *shellREPL) send(ctx context.Context, line string) error {
	r.session.ClearOutput()
	if err := r.session.SendCommand(ctx, line); err != nil {
		return err
	}
	if !r.session.WaitForPrompt(ctx, r.timeout) {
		fmt.Fprintf(r.out, "(no prompt after %s)\n", r.timeout)
	}
	r.show()
	return nil
}

// show feeds new output into the screen and prints the changed lines.
func (r *shellREPL) show() {
	_, _ = r.screen.WriteString(r.session.Output())
	r.session.ClearOutput()
	if diff := r.screen.Diff(); diff != "" {
		fmt.Fprintln(r.out, diff)
	}
}

func (r *shellREPL) exec(ctx context.Context, command string) {
	if command == "" {
		fmt.Fprintln(r.out, "usage: :exec <command>")
		return
	}
	res := r.session.ExecuteCommand(ctx, command, r.timeout)
	if res.Stdout != "" {
		fmt.Fprintln(r.out, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintln(r.out, "stderr:", res.Stderr)
	}
	fmt.Fprintf(r.out, "exit code: %d\n", res.ExitCode)
}

func (r *shellREPL) get(ctx context.Context, args []string) {
	if len(args) == 0 || len(args) > 2 {
		fmt.Fprintln(r.out, "usage: :get <remote> [local]")
		return
	}
	local := filepath.Base(args[0])
	if len(args) == 2 {
		local = args[1]
	}
	if err := r.session.DownloadToFile(ctx, args[0], local, r.chunkKB, r.timeout); err != nil {
		fmt.Fprintf(r.out, "download failed: %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "saved %s\n", local)
}
