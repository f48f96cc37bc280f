package console

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// receiver drains the transport for the lifetime of a connection. It is the
// only reader of the websocket.
type receiver struct {
	conn    *conn
	buf     *Buffer
	log     *logrus.Entry
	metrics *Metrics

	confirmed atomic.Bool
}

// run reads until the connection fails or ctx is cancelled. A nil return
// means the loop stopped because of cancellation or a normal close.
func (r *receiver) run(ctx context.Context) error {
	for {
		msg, err := r.conn.read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.log.Info("terminal proxy closed the connection")
				return nil
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				r.log.WithError(err).Warn("terminal proxy closed the connection abnormally")
			} else {
				r.log.WithError(err).Warn("read from terminal proxy failed")
			}
			return err
		}
		r.metrics.framesReceived.Inc()

		text, tok := decodeMessage(msg)
		switch {
		case tok == tokenLogin && !r.confirmed.Load():
			r.confirmed.Store(true)
			r.log.Debug("login confirmed")
			continue
		case tok == tokenPing && r.conn.ackPing():
			r.metrics.heartbeats.Inc()
			continue
		case tok != tokenNone:
			// Shell output that happens to equal a control token.
			text = string(msg)
		}

		r.log.WithField("bytes", len(text)).Trace("terminal output")
		r.buf.Append(text)
	}
}
