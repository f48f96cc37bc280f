package console

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const markerPrefix = "#CV4PVE_ADMIN_"

// Result messages reported in CommandResult.Stderr when the command could
// not be run or its output could not be parsed.
const (
	MsgTimeout             = "[ERROR] Timeout during execution"
	MsgBeginMarkerMissing  = "[ERROR] Begin marker not found in output"
	MsgEndMarkerMissing    = "[ERROR] End marker not found in output"
	MsgStderrMarkerMissing = "[ERROR] Stderr marker not found in output"
	MsgExitMarkerMissing   = "[ERROR] Exit code marker not found in output"
	MsgMarkersOutOfOrder   = "[ERROR] Exit code marker found before stderr marker"
	msgInvalidExitCode     = "[ERROR] Invalid exit code"
)

// CommandResult is the outcome of ExecuteCommand. ExitCode is -1 when the
// command could not be run or its output could not be parsed, in which case
// Stderr holds an "[ERROR] ..." diagnostic.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

func failure(msg string) CommandResult {
	return CommandResult{Stderr: msg, ExitCode: -1}
}

// invocation holds the markers and temporary files for one ExecuteCommand.
type invocation struct {
	id string

	begin, stderr, exitCode, end, eof string

	stdoutFile, stderrFile, exitCodeFile, scriptFile string
}

func newInvocation() invocation {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return invocation{
		id:           id,
		begin:        markerPrefix + "BEGIN_" + id,
		stderr:       markerPrefix + "STDERR_" + id,
		exitCode:     markerPrefix + "EXITCODE_" + id,
		end:          markerPrefix + "END_" + id,
		eof:          markerPrefix + "EOF_" + id,
		stdoutFile:   "/tmp/stdout_" + id + ".txt",
		stderrFile:   "/tmp/stderr_" + id + ".txt",
		exitCodeFile: "/tmp/exitcode_" + id + ".txt",
		scriptFile:   "/tmp/script_" + id + ".sh",
	}
}

// script renders the shell script that runs command and prints its results
// between the markers. The command runs in a subshell so that "exit" inside
// it still reaches the marker section. Every marker after BEGIN is preceded
// by a newline so it always starts a line.
func (inv invocation) script(command string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "trap 'rm -f %s %s %s %s' EXIT\n", inv.stdoutFile, inv.stderrFile, inv.exitCodeFile, inv.scriptFile)
	b.WriteString("(\n")
	b.WriteString(command)
	b.WriteString("\n")
	fmt.Fprintf(&b, ") > %s 2> %s\n", inv.stdoutFile, inv.stderrFile)
	fmt.Fprintf(&b, "echo $? > %s\n", inv.exitCodeFile)
	fmt.Fprintf(&b, "echo '%s'\n", inv.begin)
	fmt.Fprintf(&b, "cat %s\n", inv.stdoutFile)
	fmt.Fprintf(&b, "printf '\\n%%s\\n' '%s'\n", inv.stderr)
	fmt.Fprintf(&b, "cat %s\n", inv.stderrFile)
	fmt.Fprintf(&b, "printf '\\n%%s\\n' '%s'\n", inv.exitCode)
	fmt.Fprintf(&b, "cat %s\n", inv.exitCodeFile)
	fmt.Fprintf(&b, "printf '\\n%%s\\n' '%s'", inv.end)
	return b.String()
}

// ExecuteCommand runs command in the remote shell and returns its stdout,
// stderr and exit code. Failures are reported in the result, never as a
// panic or error: a prompt timeout yields MsgTimeout and unparseable output
// one of the other Msg* diagnostics, both with ExitCode -1.
func (c *Client) ExecuteCommand(ctx context.Context, command string, timeout time.Duration) CommandResult {
	inv := newInvocation()
	log := c.log.WithField("invocation", inv.id)

	if _, err := c.readyConn(); err != nil {
		c.metrics.commands.WithLabelValues("not_connected").Inc()
		return failure("[ERROR] " + err.Error())
	}

	prompt := c.promptVisible
	// Script output ending in "$" or "#" looks like a prompt until the END
	// marker has been printed.
	finished := func() bool {
		return c.promptVisible() && markerLine(cleanText(c.buf.Snapshot()), inv.end) >= 0
	}
	steps := []struct {
		name  string
		run   func() error
		ready func() bool
	}{
		{"upload", func() error { return c.uploadScript(ctx, inv, command) }, prompt},
		{"chmod", func() error { return c.SendCommand(ctx, "chmod +x "+inv.scriptFile) }, prompt},
		{"run", func() error { return c.SendCommand(ctx, inv.scriptFile) }, finished},
	}
	for _, step := range steps {
		c.buf.Clear()
		if err := step.run(); err != nil {
			log.WithError(err).WithField("step", step.name).Warn("command step failed")
			c.metrics.commands.WithLabelValues("send_error").Inc()
			return failure("[ERROR] " + err.Error())
		}
		if !c.waitFor(ctx, timeout, step.ready) {
			log.WithField("step", step.name).Warn("timeout waiting for prompt")
			c.metrics.commands.WithLabelValues("timeout").Inc()
			return failure(MsgTimeout)
		}
	}

	res := parseCommandOutput(c.buf.Snapshot(), inv)
	if res.ExitCode == -1 && strings.HasPrefix(res.Stderr, "[ERROR]") {
		log.WithField("reason", res.Stderr).Warn("could not parse command output")
		c.metrics.commands.WithLabelValues("parse_error").Inc()
		return res
	}
	log.WithField("exit_code", res.ExitCode).Debug("command finished")
	c.metrics.commands.WithLabelValues("ok").Inc()
	return res
}

// uploadScript writes the generated script with a heredoc. The pauses give
// the shell time to switch into heredoc input before the body arrives.
func (c *Client) uploadScript(ctx context.Context, inv invocation, command string) error {
	parts := []string{
		fmt.Sprintf("cat > %s <<'%s'", inv.scriptFile, inv.eof),
		inv.script(command),
		inv.eof,
	}
	for i, part := range parts {
		if i > 0 {
			if err := sleepCtx(ctx, c.cfg.HeredocDelay); err != nil {
				return err
			}
		}
		if err := c.SendCommand(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

// parseCommandOutput extracts the results printed by the script from the
// raw terminal text.
func parseCommandOutput(raw string, inv invocation) CommandResult {
	text := cleanText(raw)

	begin := markerLine(text, inv.begin)
	if begin < 0 {
		return failure(MsgBeginMarkerMissing)
	}
	span := strings.TrimPrefix(text[begin+len(inv.begin):], "\n")

	end := markerLine(span, inv.end)
	if end < 0 {
		return failure(MsgEndMarkerMissing)
	}
	span = span[:end]

	se := markerLine(span, inv.stderr)
	if se < 0 {
		return failure(MsgStderrMarkerMissing)
	}
	ec := markerLine(span, inv.exitCode)
	if ec < 0 {
		return failure(MsgExitMarkerMissing)
	}
	if ec < se {
		return failure(MsgMarkersOutOfOrder)
	}

	codeText := strings.TrimSpace(span[ec+len(inv.exitCode):])
	code, err := strconv.Atoi(codeText)
	if err != nil {
		return failure(fmt.Sprintf("%s: %q", msgInvalidExitCode, codeText))
	}

	return CommandResult{
		Stdout:   trimLineEnds(span[:se]),
		Stderr:   trimLineEnds(span[se+len(inv.stderr) : ec]),
		ExitCode: code,
	}
}

// markerLine returns the offset of marker where it starts a line, or -1.
// Occurrences in the middle of a line, such as in an echoed command, are
// skipped.
func markerLine(text, marker string) int {
	if strings.HasPrefix(text, marker) {
		return 0
	}
	if i := strings.Index(text, "\n"+marker); i >= 0 {
		return i + 1
	}
	return -1
}

func trimLineEnds(s string) string {
	return strings.Trim(s, "\r\n")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
