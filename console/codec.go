package console

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Channels used by the terminal proxy framing.
const (
	ChannelData   = 0
	ChannelResize = 1
	ChannelPing   = 2
)

// Control tokens sent by the proxy. "OK" confirms the login and "B" answers
// a keepalive ping; outside those two moments the same text is output.
const (
	tokenLoginOK   = "OK"
	tokenHeartbeat = "B"
)

// Bracketed paste markers. The shell treats everything between them as one
// literal block, so multi-line payloads are not mangled by line editing.
const (
	pasteStart   = "\x1b[200~"
	pasteEnd     = "\x1b[201~"
	pasteEnable  = "\x1b[?2004h"
	pasteDisable = "\x1b[?2004l"
)

// ErrMalformedFrame is returned by DecodeFrame for anything that is not a
// well formed "<channel>:<length>:<payload>" frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one decoded client frame.
type Frame struct {
	Channel int
	Payload string
	// Cols and Rows are only set for resize frames.
	Cols, Rows int
}

// EncodeFrame wraps text in a data frame: "0:<byteLength>:<text>".
func EncodeFrame(text string) []byte {
	header := "0:" + strconv.Itoa(len(text)) + ":"
	out := make([]byte, 0, len(header)+len(text))
	out = append(out, header...)
	return append(out, text...)
}

// EncodeResize builds a resize frame: "1:<cols>:<rows>:".
func EncodeResize(cols, rows int) []byte {
	return []byte(fmt.Sprintf("%d:%d:%d:", ChannelResize, cols, rows))
}

// EncodePing builds the idle ping understood by the proxy.
func EncodePing() []byte {
	return []byte(strconv.Itoa(ChannelPing))
}

// DecodeFrame parses a frame produced by EncodeFrame, EncodeResize or
// EncodePing. The payload length in the header is checked against the
// actual byte count.
func DecodeFrame(frame []byte) (Frame, error) {
	s := string(frame)
	if s == strconv.Itoa(ChannelPing) {
		return Frame{Channel: ChannelPing}, nil
	}

	chanStr, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Frame{}, ErrMalformedFrame
	}
	channel, err := strconv.Atoi(chanStr)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: channel %q", ErrMalformedFrame, chanStr)
	}

	switch channel {
	case ChannelData:
		lenStr, payload, ok := strings.Cut(rest, ":")
		if !ok {
			return Frame{}, ErrMalformedFrame
		}
		n, err := strconv.Atoi(lenStr)
		if err != nil || n != len(payload) {
			return Frame{}, fmt.Errorf("%w: length %q for %d bytes", ErrMalformedFrame, lenStr, len(payload))
		}
		return Frame{Channel: ChannelData, Payload: payload}, nil
	case ChannelResize:
		parts := strings.Split(rest, ":")
		if len(parts) < 2 {
			return Frame{}, ErrMalformedFrame
		}
		cols, err1 := strconv.Atoi(parts[0])
		rows, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil {
			return Frame{}, fmt.Errorf("%w: resize %q", ErrMalformedFrame, rest)
		}
		return Frame{Channel: ChannelResize, Cols: cols, Rows: rows}, nil
	}
	return Frame{}, fmt.Errorf("%w: unknown channel %d", ErrMalformedFrame, channel)
}

type token int

const (
	tokenNone token = iota
	tokenLogin
	tokenPing
)

// decodeMessage turns one message received from the proxy into text. Proxy
// output is not framed, so apart from the two control tokens the message is
// returned verbatim. Whether a token is really one depends on the session
// and is up to the receiver.
func decodeMessage(msg []byte) (string, token) {
	switch s := string(msg); s {
	case tokenLoginOK:
		return "", tokenLogin
	case tokenHeartbeat:
		return "", tokenPing
	default:
		return s, tokenNone
	}
}

// wrapPaste surrounds text with bracketed paste markers.
func wrapPaste(text string) string {
	return pasteStart + text + pasteEnd
}
