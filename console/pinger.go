package console

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultKeepalive matches the interval used by the Proxmox web console.
const DefaultKeepalive = 30 * time.Second

// pinger keeps an idle proxy connection alive.
type pinger struct {
	conn     *conn
	interval time.Duration
	log      *logrus.Entry
}

func (p *pinger) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.conn.ping(); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.WithError(err).Warn("keepalive ping failed")
			}
		}
	}
}
