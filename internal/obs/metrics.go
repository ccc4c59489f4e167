package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions         = promauto.NewGauge(prometheus.GaugeOpts{Name: "linkmux_active_sessions", Help: "Currently live tunnel sessions"})
	SessionsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "linkmux_sessions_total", Help: "Sessions created since start"})
	FramesSentTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "linkmux_frames_sent_total", Help: "Frames submitted to the link writer by cmd"}, []string{"cmd"})
	FramesReceivedTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "linkmux_frames_received_total", Help: "Frames decoded off the link by cmd"}, []string{"cmd"})
	BytesSentTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "linkmux_bytes_sent_total", Help: "Payload bytes sent over the link"})
	BytesReceivedTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "linkmux_bytes_received_total", Help: "Payload bytes received over the link"})
	DialFailuresTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "linkmux_dial_failures_total", Help: "Egress target dials that failed"})
	DisconnectsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "linkmux_disconnects_total", Help: "Disconnect frames emitted"})
	ErrorsTotal            = promauto.NewCounterVec(prometheus.CounterOpts{Name: "linkmux_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "linkmux_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	FramerBufferBytes      = promauto.NewGauge(prometheus.GaugeOpts{Name: "linkmux_framer_buffer_bytes", Help: "Bytes currently held by the stream reassembler"})
)

// CmdLabel maps a wire cmd byte to its metric label.
func CmdLabel(cmd byte) string {
	switch cmd {
	case 0x01:
		return "data"
	case 0x03:
		return "disconnect"
	case 0x05:
		return "program_close"
	}
	return "unknown"
}
