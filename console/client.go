// Package console drives a shell through the Proxmox VE terminal proxy.
//
// A Client logs into a node console over a websocket and then behaves like a
// person typing at it: it pastes text, presses Enter and watches the screen
// for the next prompt. On top of that it runs commands with separated
// stdout, stderr and exit code (ExecuteCommand) and copies remote files with
// end to end hash verification (DownloadFile).
//
// A Client runs one command at a time. Callers must not issue overlapping
// commands on the same Client.
package console

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	DefaultLoginTimeout = 10 * time.Second
	DefaultHeredocDelay = 100 * time.Millisecond
	DefaultPort         = 8006

	pollInterval     = 100 * time.Millisecond
	handshakeTimeout = 10 * time.Second
)

var (
	ErrNotConnected     = errors.New("console is not connected")
	ErrAlreadyConnected = errors.New("console is already connected")
	ErrLoginTimeout     = errors.New("shell prompt not seen after login")
	ErrClosed           = errors.New("console connection closed")

	errRemoteClosed = errors.New("terminal proxy closed the connection")
)

// ProxyTicket is what the API hands out for one terminal proxy connection.
type ProxyTicket struct {
	User   string
	Ticket string
	Port   int
}

// TicketProvider obtains terminal proxy tickets for a node.
type TicketProvider interface {
	TermProxy(ctx context.Context, node string) (*ProxyTicket, error)
}

// Config describes the console to connect to.
type Config struct {
	// Host is the API endpoint: "pve1", "pve1:8006" or "https://pve1:8006".
	// An http:// scheme selects an unencrypted websocket.
	Host string
	Node string
	// Header is sent with the websocket handshake (API token or cookie).
	Header             http.Header
	InsecureSkipVerify bool

	LoginTimeout time.Duration
	Keepalive    time.Duration
	HeredocDelay time.Duration
	// Cols and Rows, when set, are sent as a resize right after login.
	Cols, Rows int

	Logger  *logrus.Entry
	Metrics *Metrics
}

// Client is one terminal session.
type Client struct {
	cfg     Config
	tickets TicketProvider
	log     *logrus.Entry
	metrics *Metrics

	buf Buffer

	mu      sync.Mutex
	state   State
	conn    *conn
	cancel  context.CancelFunc
	lastErr error
	wg      sync.WaitGroup
}

// New returns a disconnected client for cfg.Node.
func New(cfg Config, tickets TicketProvider) *Client {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = DefaultLoginTimeout
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.HeredocDelay <= 0 {
		cfg.HeredocDelay = DefaultHeredocDelay
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger()).WithField("component", "console")
	}
	m := cfg.Metrics
	if m == nil {
		m = NewMetrics(nil)
	}
	return &Client{
		cfg:     cfg,
		tickets: tickets,
		log:     log.WithField("node", cfg.Node),
		metrics: m,
	}
}

// State reports the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the transport error that closed the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.WithField("state", s).Debug("console state changed")
}

// Connect opens the proxy connection, logs in and waits for the first shell
// prompt. On failure the client ends up Closed and Connect may be called
// again.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateClosed {
		// Reap the tasks of a connection that failed on its own.
		_ = c.Disconnect()
	}

	c.mu.Lock()
	if !c.state.canConnect() {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyConnected, st)
	}
	c.state = StateConnecting
	c.lastErr = nil
	c.mu.Unlock()

	ticket, err := c.tickets.TermProxy(ctx, c.cfg.Node)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("terminal proxy ticket: %w", err)
	}

	target, err := c.socketURL(ticket)
	if err != nil {
		c.setState(StateClosed)
		return err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.InsecureSkipVerify},
	}
	ws, _, err := dialer.DialContext(ctx, target, c.cfg.Header)
	if err != nil {
		c.setState(StateClosed)
		return fmt.Errorf("dial terminal proxy: %w", err)
	}
	cn := newConn(ws, c.metrics)

	c.buf.Clear()
	if err := cn.write([]byte(ticket.User + ":" + ticket.Ticket + "\n")); err != nil {
		_ = ws.Close()
		c.setState(StateClosed)
		return fmt.Errorf("send login: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rcv := &receiver{conn: cn, buf: &c.buf, log: c.log, metrics: c.metrics}
	png := &pinger{conn: cn, interval: c.cfg.Keepalive, log: c.log}

	c.mu.Lock()
	c.conn = cn
	c.cancel = cancel
	c.state = StateAwaitingLogin
	c.mu.Unlock()

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := rcv.run(runCtx); err != nil {
			c.fail(err)
		} else if runCtx.Err() == nil {
			c.fail(errRemoteClosed)
		}
	}()
	go func() {
		defer c.wg.Done()
		png.run(runCtx)
	}()

	if !c.waitLogin(ctx, rcv) {
		c.mu.Lock()
		cause := c.lastErr
		c.mu.Unlock()
		_ = c.Disconnect()
		switch {
		case cause != nil:
			return fmt.Errorf("%w: %w", ErrClosed, cause)
		case ctx.Err() != nil:
			return fmt.Errorf("%w: %w", ErrLoginTimeout, ctx.Err())
		}
		c.log.Warn("no shell prompt after login")
		return ErrLoginTimeout
	}

	if c.cfg.Cols > 0 && c.cfg.Rows > 0 {
		if err := cn.write(EncodeResize(c.cfg.Cols, c.cfg.Rows)); err != nil {
			c.log.WithError(err).Warn("resize after login failed")
		}
	}

	c.mu.Lock()
	if c.state != StateAwaitingLogin {
		err := c.lastErr
		c.mu.Unlock()
		if err == nil {
			return ErrClosed
		}
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	c.state = StateReady
	c.mu.Unlock()
	c.log.Info("console ready")
	return nil
}

// waitLogin waits for the login confirmation and a prompt.
func (c *Client) waitLogin(ctx context.Context, rcv *receiver) bool {
	start := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if c.State() == StateClosed {
			return false
		}
		if rcv.confirmed.Load() && c.promptVisible() {
			return true
		}
		if time.Since(start) >= c.cfg.LoginTimeout {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// fail records an unrecoverable transport error and stops the background
// tasks. It runs on the receive goroutine, so it must not wait for it.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.lastErr = err
	cancel, cn := c.cancel, c.conn
	c.mu.Unlock()

	c.log.WithError(err).Warn("console connection lost")
	if cancel != nil {
		cancel()
	}
	if cn != nil {
		_ = cn.ws.Close()
	}
}

// Disconnect stops the background tasks and closes the connection. It is
// safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.conn == nil {
		if c.state != StateDisconnected {
			c.state = StateClosed
		}
		c.mu.Unlock()
		return nil
	}
	wasOpen := c.state != StateClosed
	c.state = StateClosing
	cancel, cn := c.cancel, c.conn
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	var err error
	if wasOpen {
		err = cn.close()
	} else {
		_ = cn.ws.Close()
	}
	c.wg.Wait()

	c.setState(StateClosed)
	c.log.Info("console disconnected")
	return err
}

// Close is Disconnect for use with defer and io.Closer.
func (c *Client) Close() error {
	return c.Disconnect()
}

// Output returns all terminal text received since the last clear.
func (c *Client) Output() string {
	return c.buf.Snapshot()
}

// ClearOutput empties the output buffer.
func (c *Client) ClearOutput() {
	c.buf.Clear()
}

// Screen renders the current output buffer through a terminal emulator and
// returns what would be visible on screen.
func (c *Client) Screen() string {
	c.mu.Lock()
	cols, rows := c.cfg.Cols, c.cfg.Rows
	c.mu.Unlock()
	if cols <= 0 || rows <= 0 {
		cols, rows = 120, 50
	}
	return renderScreen(c.buf.Snapshot(), cols, rows)
}

// Resize tells the remote terminal its new dimensions.
func (c *Client) Resize(cols, rows int) error {
	cn, err := c.readyConn()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg.Cols, c.cfg.Rows = cols, rows
	c.mu.Unlock()
	return cn.write(EncodeResize(cols, rows))
}

func (c *Client) readyConn() (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateReady:
		return c.conn, nil
	case StateClosed:
		if c.lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrClosed, c.lastErr)
		}
	}
	return nil, fmt.Errorf("%w (state %s)", ErrNotConnected, c.state)
}

func (c *Client) socketURL(t *ProxyTicket) (string, error) {
	host := c.cfg.Host
	scheme := "wss"
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host %q: %w", c.cfg.Host, err)
	}
	if u.Scheme == "http" || u.Scheme == "ws" {
		scheme = "ws"
	}
	hostport := u.Host
	if u.Port() == "" {
		hostport = u.Host + ":" + strconv.Itoa(DefaultPort)
	}

	q := url.Values{}
	q.Set("port", strconv.Itoa(t.Port))
	q.Set("vncticket", t.Ticket)
	return (&url.URL{
		Scheme:   scheme,
		Host:     hostport,
		Path:     "/api2/json/nodes/" + url.PathEscape(c.cfg.Node) + "/vncwebsocket",
		RawQuery: q.Encode(),
	}).String(), nil
}
