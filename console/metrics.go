package console

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by a Client.
type Metrics struct {
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	heartbeats     prometheus.Counter
	commands       *prometheus.CounterVec
	promptWait     prometheus.Histogram
	downloadBytes  prometheus.Counter
	downloadChunks prometheus.Counter
	downloads      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is what clients get by default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pveterm",
			Name:      "frames_sent_total",
			Help:      "Websocket messages written to the terminal proxy.",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pveterm",
			Name:      "frames_received_total",
			Help:      "Websocket messages read from the terminal proxy.",
		}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pveterm",
			Name:      "heartbeats_total",
			Help:      "Heartbeat tokens received from the terminal proxy.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pveterm",
			Name:      "commands_total",
			Help:      "Scripted command executions by outcome.",
		}, []string{"result"}),
		promptWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pveterm",
			Name:      "prompt_wait_seconds",
			Help:      "Time spent waiting for the shell prompt.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pveterm",
			Name:      "download_bytes_total",
			Help:      "Decoded bytes received by file downloads.",
		}),
		downloadChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pveterm",
			Name:      "download_chunks_total",
			Help:      "Chunk requests issued by file downloads.",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pveterm",
			Name:      "downloads_total",
			Help:      "File downloads by outcome.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.framesSent,
			m.framesReceived,
			m.heartbeats,
			m.commands,
			m.promptWait,
			m.downloadBytes,
			m.downloadChunks,
			m.downloads,
		)
	}
	return m
}
