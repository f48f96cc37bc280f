package console

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	fakeUser   = "root@pam"
	fakeTicket = "PVEVNC:6650A1B2::secret"
	fakeNode   = "pve1"
	fakePrompt = pasteEnable + "root@pve1:~# "
	fakePS2    = pasteEnable + "> "
)

var (
	heredocOpen = regexp.MustCompile(`^cat > (\S+) <<'([^']+)'$`)
	sha256Cmd   = regexp.MustCompile(`^sha256sum '(.*)'$`)
	ddCmd       = regexp.MustCompile(`^dd if='(.*)' bs=(\d+) skip=(\d+) count=1 2>/dev/null \| base64 -w0; echo$`)
)

// fakeRemote emulates the Proxmox terminal proxy in front of a bash shell
// with bracketed paste enabled. Heredocs are written to disk and any other
// line is run with /bin/sh, except sha256sum and dd, which are served from
// the in-memory files map.
type fakeRemote struct {
	t   *testing.T
	srv *httptest.Server

	mu            sync.Mutex
	files         map[string][]byte
	hashOverride  map[string]string
	corruptChunk  int
	silent        bool
	noConfirm     bool
	dropOn        string
	dropLogin     bool
	splitOutput   bool
	splitDelay    time.Duration
	chunkRequests int
	lines         []string
	pings         int
	resizes       [][2]int
}

func newFakeRemote(t *testing.T) *fakeRemote {
	t.Helper()
	f := &fakeRemote{
		t:            t,
		files:        map[string][]byte{},
		hashOverride: map[string]string{},
		corruptChunk: -1,
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRemote) ticketProvider() TicketProvider {
	return staticTickets{ticket: &ProxyTicket{User: fakeUser, Ticket: fakeTicket, Port: 5900}}
}

// client returns a connected client. The connection is closed at cleanup.
func (f *fakeRemote) client(cfg Config) *Client {
	f.t.Helper()
	c := f.newClient(cfg)
	require.NoError(f.t, c.Connect(context.Background()))
	return c
}

func (f *fakeRemote) newClient(cfg Config) *Client {
	f.t.Helper()
	cfg.Host = f.srv.URL
	cfg.Node = fakeNode
	if cfg.HeredocDelay == 0 {
		cfg.HeredocDelay = 5 * time.Millisecond
	}
	c := New(cfg, f.ticketProvider())
	f.t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func (f *fakeRemote) setFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

func (f *fakeRemote) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkRequests
}

func (f *fakeRemote) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api2/json/nodes/"+fakeNode+"/vncwebsocket" || r.URL.Query().Get("vncticket") != fakeTicket {
		http.Error(w, "bad ticket", http.StatusUnauthorized)
		return
	}
	up := websocket.Upgrader{}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	_, login, err := ws.ReadMessage()
	if err != nil || string(login) != fakeUser+":"+fakeTicket+"\n" {
		return
	}

	f.mu.Lock()
	noConfirm, dropLogin := f.noConfirm, f.dropLogin
	f.mu.Unlock()
	if dropLogin {
		return
	}
	if noConfirm {
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("Linux pve1 6.8.12-4-pve\r\n"))
	} else {
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte(tokenLoginOK))
		_ = ws.WriteMessage(websocket.BinaryMessage, []byte("Linux pve1 6.8.12-4-pve\r\n"+fakePrompt))
	}

	sh := &fakeShell{remote: f, ws: ws}
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := DecodeFrame(msg)
		if err != nil {
			f.t.Errorf("fake remote got malformed frame %q: %v", msg, err)
			return
		}
		switch frame.Channel {
		case ChannelPing:
			f.mu.Lock()
			f.pings++
			f.mu.Unlock()
			_ = ws.WriteMessage(websocket.BinaryMessage, []byte(tokenHeartbeat))
		case ChannelResize:
			f.mu.Lock()
			f.resizes = append(f.resizes, [2]int{frame.Cols, frame.Rows})
			f.mu.Unlock()
		case ChannelData:
			if !sh.input(frame.Payload) {
				return
			}
		}
	}
}

type fakeShell struct {
	remote  *fakeRemote
	ws      *websocket.Conn
	pending string

	heredocPath string
	heredocEnd  string
	heredoc     []string
}

func (s *fakeShell) write(text string) {
	_ = s.ws.WriteMessage(websocket.BinaryMessage, []byte(text))
}

// input handles one data frame. It returns false when the connection
// should be dropped.
func (s *fakeShell) input(payload string) bool {
	payload = strings.ReplaceAll(payload, pasteStart, "")
	payload = strings.ReplaceAll(payload, pasteEnd, "")
	payload = strings.ReplaceAll(payload, "\r", "\n")

	if echo := strings.TrimSuffix(payload, "\n"); echo != "" {
		s.write(strings.ReplaceAll(echo, "\n", "\r\n"))
	}

	s.pending += payload
	for {
		i := strings.IndexByte(s.pending, '\n')
		if i < 0 {
			return true
		}
		line := s.pending[:i]
		s.pending = s.pending[i+1:]
		if !s.line(line) {
			return false
		}
	}
}

func (s *fakeShell) line(line string) bool {
	f := s.remote
	f.mu.Lock()
	f.lines = append(f.lines, line)
	silent, dropOn := f.silent, f.dropOn
	f.mu.Unlock()

	if dropOn != "" && line == dropOn {
		return false
	}

	if s.heredocEnd != "" {
		if line != s.heredocEnd {
			s.heredoc = append(s.heredoc, line)
			s.write("\r\n" + fakePS2)
			return true
		}
		content := strings.Join(s.heredoc, "\n") + "\n"
		cmd := exec.Command("/bin/sh", "-c", "cat > "+s.heredocPath)
		cmd.Stdin = strings.NewReader(content)
		if out, err := cmd.CombinedOutput(); err != nil {
			f.t.Errorf("fake remote heredoc write: %v: %s", err, out)
		}
		s.heredocEnd, s.heredoc = "", nil
		s.reply("", silent)
		return true
	}

	if m := heredocOpen.FindStringSubmatch(line); m != nil {
		s.heredocPath, s.heredocEnd = m[1], m[2]
		s.write("\r\n" + fakePS2)
		return true
	}

	s.reply(s.run(line), silent)
	return true
}

func (s *fakeShell) reply(out string, silent bool) {
	f := s.remote
	f.mu.Lock()
	split, delay := f.splitOutput, f.splitDelay
	f.mu.Unlock()

	if !split {
		text := pasteDisable + "\r\n" + strings.ReplaceAll(out, "\n", "\r\n")
		if !silent {
			text += fakePrompt
		}
		s.write(text)
		return
	}

	// Every line and every line break is its own message, the way a slow
	// PTY hands output to the proxy.
	s.write(pasteDisable + "\r\n")
	lines := strings.Split(out, "\n")
	for i, line := range lines {
		if line != "" {
			s.write(line)
			time.Sleep(delay)
		}
		if i < len(lines)-1 {
			s.write("\r\n")
		}
	}
	if !silent {
		s.write(fakePrompt)
	}
}

func (s *fakeShell) run(line string) string {
	f := s.remote
	if line == "" {
		return ""
	}
	if m := sha256Cmd.FindStringSubmatch(line); m != nil {
		path := unquote(m[1])
		f.mu.Lock()
		defer f.mu.Unlock()
		data, ok := f.files[path]
		if !ok {
			return "sha256sum: " + path + ": No such file or directory\n"
		}
		sum := sha256.Sum256(data)
		hexSum := hex.EncodeToString(sum[:])
		if o, ok := f.hashOverride[path]; ok {
			hexSum = o
		}
		return hexSum + "  " + path + "\n"
	}
	if m := ddCmd.FindStringSubmatch(line); m != nil {
		path := unquote(m[1])
		bs, _ := strconv.Atoi(m[2])
		skip, _ := strconv.Atoi(m[3])
		f.mu.Lock()
		defer f.mu.Unlock()
		f.chunkRequests++
		if skip == f.corruptChunk {
			return "!!not*base64!!\n"
		}
		data := f.files[path]
		from := skip * bs
		if from >= len(data) {
			return "\n"
		}
		to := from + bs
		if to > len(data) {
			to = len(data)
		}
		return base64.StdEncoding.EncodeToString(data[from:to]) + "\n"
	}

	out, _ := exec.Command("/bin/sh", "-c", line).CombinedOutput()
	return string(out)
}

func unquote(s string) string {
	return strings.ReplaceAll(s, `'\''`, "'")
}

type staticTickets struct {
	ticket *ProxyTicket
	err    error
}

func (s staticTickets) TermProxy(context.Context, string) (*ProxyTicket, error) {
	return s.ticket, s.err
}
