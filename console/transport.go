package console

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// conn serialises writes to the websocket. gorilla/websocket supports one
// concurrent writer, and both the caller and the pinger write.
type conn struct {
	ws      *websocket.Conn
	mu      sync.Mutex
	metrics *Metrics

	// pings counts keepalive pings still waiting for their "B" reply.
	pings atomic.Int32
}

func newConn(ws *websocket.Conn, m *Metrics) *conn {
	return &conn{ws: ws, metrics: m}
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	c.metrics.framesSent.Inc()
	return nil
}

// ping sends a keepalive ping and records it as outstanding.
func (c *conn) ping() error {
	c.pings.Add(1)
	if err := c.write(EncodePing()); err != nil {
		c.pings.Add(-1)
		return err
	}
	return nil
}

// ackPing consumes one outstanding ping. It reports false when no ping is
// waiting for a reply.
func (c *conn) ackPing() bool {
	for {
		n := c.pings.Load()
		if n <= 0 {
			return false
		}
		if c.pings.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

func (c *conn) read() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

// close sends a normal closure frame and closes the socket.
func (c *conn) close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}
