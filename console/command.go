package console

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
)

// promptTail bounds how much of the buffer prompt detection looks at.
const promptTail = 4096

var (
	// A line ending in "$" or "#", checked after escape sequences are removed.
	shellPrompt = regexp.MustCompile(`[$#] ?$`)
	// What may follow the paste-enable sequence on a prompt line.
	pastePromptEnd = regexp.MustCompile(`[$#%>] ?$`)
)

// ps2 is the continuation prompt shown inside heredocs and open quotes.
const ps2 = "> "

// SendCommand pastes text into the remote shell and presses Enter.
func (c *Client) SendCommand(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cn, err := c.readyConn()
	if err != nil {
		return err
	}
	c.log.WithField("bytes", len(text)).Debug("send command")
	if err := cn.write(EncodeFrame(wrapPaste(text))); err != nil {
		return err
	}
	return cn.write(EncodeFrame("\n"))
}

// WaitForPrompt polls the output buffer until a shell prompt is the last
// thing on screen. It returns false when timeout elapses, ctx is done or
// the connection is lost.
func (c *Client) WaitForPrompt(ctx context.Context, timeout time.Duration) bool {
	return c.waitFor(ctx, timeout, c.promptVisible)
}

// waitFor polls ready every pollInterval. A closed connection never
// satisfies it, whatever is left in the buffer.
func (c *Client) waitFor(ctx context.Context, timeout time.Duration, ready func() bool) bool {
	start := time.Now()
	defer func() {
		c.metrics.promptWait.Observe(time.Since(start).Seconds())
	}()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if c.State() == StateClosed {
			return false
		}
		if ready() {
			return true
		}
		if time.Since(start) >= timeout {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (c *Client) promptVisible() bool {
	return hasPrompt(c.buf.Tail(promptTail))
}

// hasPrompt reports whether text ends with one of the accepted prompts: a
// last line ending in "$" or "#", or a last line started by the
// paste-enable sequence and holding nothing else but a prompt. Text typed
// after a prompt, and the "> " continuation prompt, do not count.
func hasPrompt(text string) bool {
	if text == "" {
		return false
	}
	if i := strings.LastIndex(text, pasteEnable); i >= 0 {
		rest := text[i+len(pasteEnable):]
		if !strings.Contains(rest, "\n") {
			tail := ansi.Strip(rest)
			if tail == "" || (tail != ps2 && pastePromptEnd.MatchString(tail)) {
				return true
			}
		}
	}
	plain := ansi.Strip(text)
	if i := strings.LastIndexAny(plain, "\r\n"); i >= 0 {
		plain = plain[i+1:]
	}
	return shellPrompt.MatchString(plain)
}

// outputSpan returns what the last command printed. With bracketed paste
// enabled that is the text between the shell leaving line editing and
// re-entering it. Otherwise the echoed command line and the trailing prompt
// line are dropped.
func outputSpan(text string) string {
	if i := strings.Index(text, pasteDisable); i >= 0 {
		rest := text[i+len(pasteDisable):]
		if j := strings.Index(rest, pasteEnable); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}

	text = normalizeNewlines(text)
	first := strings.IndexByte(text, '\n')
	if first < 0 {
		return ""
	}
	body := text[first+1:]
	if last := strings.LastIndexByte(body, '\n'); last >= 0 {
		return body[:last]
	}
	return ""
}

// normalizeNewlines converts terminal line endings to "\n".
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// cleanText strips escape sequences and normalises line endings.
func cleanText(s string) string {
	return normalizeNewlines(ansi.Strip(s))
}
