// Package pveapi is the small slice of the Proxmox VE REST API needed to
// open a node console: authentication and terminal proxy tickets.
package pveapi

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

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"pve-terminal/console"
)

const (
	DefaultPort    = 8006
	requestTimeout = 30 * time.Second
)

var (
	ErrNoCredentials = errors.New("no API token or login session")
	ErrUnauthorized  = errors.New("authentication failure")
)

// Config selects the API endpoint and credentials. Either APIToken or a
// session from Login is required before TermProxy.
type Config struct {
	// Host is "pve1", "pve1:8006" or "https://pve1:8006".
	Host string
	// APIToken is "USER@REALM!TOKENID=SECRET".
	APIToken           string
	InsecureSkipVerify bool
	Logger             *logrus.Entry
}

// Client talks to one Proxmox VE API endpoint.
type Client struct {
	http *resty.Client
	log  *logrus.Entry

	mu     sync.Mutex
	token  string
	cookie string
	csrf   string
}

type envelope[T any] struct {
	Data T `json:"data"`
}

type termProxyData struct {
	User   string  `json:"user"`
	Ticket string  `json:"ticket"`
	Port   flexInt `json:"port"`
	UPID   string  `json:"upid"`
}

type ticketData struct {
	Username            string `json:"username"`
	Ticket              string `json:"ticket"`
	CSRFPreventionToken string `json:"CSRFPreventionToken"`
}

// flexInt accepts a JSON number or a numeric string. The API returns the
// proxy port as a string on some releases.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %s: %w", b, err)
	}
	*f = flexInt(n)
	return nil
}

// New returns a client for cfg.Host.
func New(cfg Config) (*Client, error) {
	base, err := BaseURL(cfg.Host)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	rc := resty.New().
		SetBaseURL(base+"/api2/json").
		SetTimeout(requestTimeout).
		SetHeader("Accept", "application/json")
	if cfg.InsecureSkipVerify {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	return &Client{
		http:  rc,
		log:   log.WithField("component", "pveapi"),
		token: cfg.APIToken,
	}, nil
}

// BaseURL normalises host to "scheme://host:port".
func BaseURL(host string) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", errors.New("host is empty")
	}
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse host %q: %w", host, err)
	}
	if u.Port() == "" {
		u.Host += ":" + strconv.Itoa(DefaultPort)
	}
	return u.Scheme + "://" + u.Host, nil
}

// Login opens a ticket session with a user name and password. The session
// replaces any API token for later requests.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var out envelope[ticketData]
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"username": username, "password": password}).
		SetResult(&out).
		Post("/access/ticket")
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if resp.StatusCode() == http.StatusUnauthorized || (resp.IsSuccess() && out.Data.Ticket == "") {
		return fmt.Errorf("login %s: %w", username, ErrUnauthorized)
	}
	if resp.IsError() {
		return fmt.Errorf("login %s: %s", username, resp.Status())
	}

	c.mu.Lock()
	c.token = ""
	c.cookie = out.Data.Ticket
	c.csrf = out.Data.CSRFPreventionToken
	c.mu.Unlock()

	c.log.WithField("user", out.Data.Username).Info("logged in")
	return nil
}

// Header returns the credentials to send with API requests and the
// websocket handshake.
func (c *Client) Header() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := http.Header{}
	switch {
	case c.token != "":
		h.Set("Authorization", "PVEAPIToken="+c.token)
	case c.cookie != "":
		h.Set("Cookie", "PVEAuthCookie="+url.QueryEscape(c.cookie))
		h.Set("CSRFPreventionToken", c.csrf)
	}
	return h
}

// TermProxy asks the node for a terminal proxy ticket.
func (c *Client) TermProxy(ctx context.Context, node string) (*console.ProxyTicket, error) {
	h := c.Header()
	if len(h) == 0 {
		return nil, ErrNoCredentials
	}

	var out envelope[termProxyData]
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaderMultiValues(h).
		SetResult(&out).
		Post("/nodes/" + url.PathEscape(node) + "/termproxy")
	if err != nil {
		return nil, fmt.Errorf("termproxy %s: %w", node, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return nil, fmt.Errorf("termproxy %s: %w", node, ErrUnauthorized)
	}
	if resp.IsError() {
		c.log.WithFields(logrus.Fields{
			"node":   node,
			"status": resp.StatusCode(),
			"body":   string(resp.Body()),
		}).Error("termproxy request failed")
		return nil, fmt.Errorf("termproxy %s: %s", node, resp.Status())
	}
	if out.Data.Ticket == "" {
		return nil, fmt.Errorf("termproxy %s: response without ticket", node)
	}

	user := out.Data.User
	if user == "" {
		user = c.tokenUser()
	}
	c.log.WithFields(logrus.Fields{"node": node, "port": int(out.Data.Port), "upid": out.Data.UPID}).Debug("termproxy ticket issued")
	return &console.ProxyTicket{User: user, Ticket: out.Data.Ticket, Port: int(out.Data.Port)}, nil
}

// tokenUser is the USER@REALM part of the API token.
func (c *Client) tokenUser() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := strings.IndexByte(c.token, '!'); i > 0 {
		return c.token[:i]
	}
	return ""
}

var (
	_ console.TicketProvider = (*Client)(nil)
	_ console.TicketProvider = StaticTicket{}
)

// StaticTicket hands out the same ticket every time. It is meant for local
// terminal proxies that check a fixed secret.
type StaticTicket console.ProxyTicket

func (s StaticTicket) TermProxy(context.Context, string) (*console.ProxyTicket, error) {
	t := console.ProxyTicket(s)
	return &t, nil
}

