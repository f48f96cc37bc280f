// Package termproxy serves a local shell over the Proxmox VE terminal proxy
// protocol, so console clients can be pointed at any machine, not only a
// Proxmox node.
package termproxy

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"pve-terminal/console"
)

const (
	loginTimeout = 10 * time.Second
	ticketTTL    = time.Minute
	writeWait    = 10 * time.Second
	readBufSize  = 8192
)

var errBadLogin = errors.New("bad login")

// Config configures a Server.
type Config struct {
	// SecretHash is the bcrypt hash of the shared secret. The secret is
	// accepted as a vncticket directly and as the secret part of an API
	// token when issuing tickets.
	SecretHash []byte
	Shell      ShellOptions
	Logger     *logrus.Entry
	Registerer prometheus.Registerer
}

// Server accepts terminal proxy connections and gives each one its own
// shell.
type Server struct {
	cfg      Config
	log      *logrus.Entry
	upgrader websocket.Upgrader

	mu      sync.Mutex
	tickets map[string]issuedTicket
	active  int

	sessions prometheus.Gauge
	logins   *prometheus.CounterVec
}

type issuedTicket struct {
	user    string
	expires time.Time
}

// New returns a server. It panics if cfg.SecretHash is empty, since such a
// server would let anyone in.
func New(cfg Config) *Server {
	if len(cfg.SecretHash) == 0 {
		panic("termproxy: empty secret hash")
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Server{
		cfg: cfg,
		log: log.WithField("component", "termproxy"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tickets: map[string]issuedTicket{},
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pveterm",
			Subsystem: "termproxy",
			Name:      "sessions",
			Help:      "Open terminal proxy sessions.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pveterm",
			Subsystem: "termproxy",
			Name:      "logins_total",
			Help:      "Terminal proxy login attempts by outcome.",
		}, []string{"result"}),
	}
	if cfg.Registerer != nil {
		cfg.Registerer.MustRegister(s.sessions, s.logins)
	}
	return s
}

// Handler routes the two API paths a console client uses.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api2/json/nodes/{node}/termproxy", s.handleTermProxy)
	mux.HandleFunc("GET /api2/json/nodes/{node}/vncwebsocket", s.handleWebsocket)
	return mux
}

// Active reports the number of open sessions.
func (s *Server) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// handleTermProxy issues a single use ticket to a caller holding an API
// token whose secret matches.
func (s *Server) handleTermProxy(w http.ResponseWriter, r *http.Request) {
	user, ok := s.checkToken(r.Header.Get("Authorization"))
	if !ok {
		s.logins.WithLabelValues("denied").Inc()
		http.Error(w, "authentication failure", http.StatusUnauthorized)
		return
	}

	ticket := "PVEVNC:" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	s.mu.Lock()
	now := time.Now()
	for t, it := range s.tickets {
		if now.After(it.expires) {
			delete(s.tickets, t)
		}
	}
	s.tickets[ticket] = issuedTicket{user: user, expires: now.Add(ticketTTL)}
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{"node": r.PathValue("node"), "user": user}).Info("ticket issued")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
		"port":   "0",
		"ticket": ticket,
		"user":   user,
	}})
}

// checkToken validates "PVEAPIToken=USER@REALM!ID=SECRET".
func (s *Server) checkToken(header string) (string, bool) {
	token, ok := strings.CutPrefix(header, "PVEAPIToken=")
	if !ok {
		return "", false
	}
	id, secret, ok := strings.Cut(token, "=")
	if !ok {
		return "", false
	}
	user, _, ok := strings.Cut(id, "!")
	if !ok || user == "" {
		return "", false
	}
	if bcrypt.CompareHashAndPassword(s.cfg.SecretHash, []byte(secret)) != nil {
		return "", false
	}
	return user, true
}

// authenticate checks the login line against the ticket from the URL.
func (s *Server) authenticate(login []byte, urlTicket string) (string, error) {
	line, ok := bytes.CutSuffix(login, []byte("\n"))
	if !ok {
		return "", errBadLogin
	}
	user, ticket, ok := strings.Cut(string(line), ":")
	if !ok || user == "" || ticket == "" {
		return "", errBadLogin
	}
	if subtle.ConstantTimeCompare([]byte(ticket), []byte(urlTicket)) != 1 {
		return "", errBadLogin
	}

	s.mu.Lock()
	it, issued := s.tickets[ticket]
	if issued {
		delete(s.tickets, ticket)
	}
	s.mu.Unlock()
	if issued {
		if time.Now().After(it.expires) || it.user != user {
			return "", errBadLogin
		}
		return user, nil
	}

	if bcrypt.CompareHashAndPassword(s.cfg.SecretHash, []byte(ticket)) != nil {
		return "", errBadLogin
	}
	return user, nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()
	log := s.log.WithFields(logrus.Fields{"node": r.PathValue("node"), "remote": r.RemoteAddr})

	_ = ws.SetReadDeadline(time.Now().Add(loginTimeout))
	_, login, err := ws.ReadMessage()
	if err != nil {
		log.WithError(err).Debug("no login received")
		return
	}
	user, err := s.authenticate(login, r.URL.Query().Get("vncticket"))
	if err != nil {
		s.logins.WithLabelValues("denied").Inc()
		log.Warn("login rejected")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "permission denied"),
			time.Now().Add(time.Second))
		return
	}
	_ = ws.SetReadDeadline(time.Time{})
	s.logins.WithLabelValues("ok").Inc()
	log = log.WithField("user", user)

	sh, err := StartShell(s.cfg.Shell)
	if err != nil {
		log.WithError(err).Error("start shell")
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "cannot start shell"),
			time.Now().Add(time.Second))
		return
	}
	defer sh.Close()

	s.track(1)
	defer s.track(-1)
	log.Info("session started")

	out := &socketWriter{ws: ws}
	if err := out.send([]byte("OK")); err != nil {
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pumpOutput(sh, out, log)
		_ = ws.Close()
	}()

	s.readInput(ws, sh, out, log)
	_ = sh.Close()
	wg.Wait()
	log.Info("session ended")
}

func (s *Server) track(delta int) {
	s.mu.Lock()
	s.active += delta
	s.mu.Unlock()
	s.sessions.Add(float64(delta))
}

// pumpOutput forwards shell output until the shell exits.
func (s *Server) pumpOutput(sh *Shell, out *socketWriter, log *logrus.Entry) {
	buf := make([]byte, readBufSize)
	for {
		n, err := sh.Read(buf)
		if n > 0 {
			if werr := out.send(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			log.WithError(err).Debug("shell output closed")
			out.closeNormal("shell exited")
			return
		}
	}
}

// readInput handles client frames until the connection ends.
func (s *Server) readInput(ws *websocket.Conn, sh *Shell, out *socketWriter, log *logrus.Entry) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := console.DecodeFrame(msg)
		if err != nil {
			log.WithError(err).Warn("dropping malformed frame")
			continue
		}
		switch frame.Channel {
		case console.ChannelData:
			if _, err := sh.Write([]byte(frame.Payload)); err != nil {
				return
			}
		case console.ChannelResize:
			if err := sh.Resize(frame.Cols, frame.Rows); err != nil {
				log.WithError(err).Warn("resize failed")
			}
		case console.ChannelPing:
			if err := out.send([]byte("B")); err != nil {
				return
			}
		}
	}
}

// socketWriter serialises writes from the output pump and the input loop.
type socketWriter struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (w *socketWriter) send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return w.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (w *socketWriter) closeNormal(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(time.Second))
}
