package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Close reasons recorded in clientClosesTotal.
const (
	reasonLocalEOF  = "local_eof"
	reasonRemoteEOF = "remote_eof"
	reasonError     = "error"
	reasonIdle      = "idle"
	reasonStop      = "stop"
)

var (
	tunnelsRunning     = promauto.NewGauge(prometheus.GaugeOpts{Name: "jumpsocks_tunnels_running", Help: "Tunnel loops currently running"})
	clientsActive      = promauto.NewGauge(prometheus.GaugeOpts{Name: "jumpsocks_clients_active", Help: "Clients with an open SSH channel"})
	clientsPending     = promauto.NewGauge(prometheus.GaugeOpts{Name: "jumpsocks_clients_pending", Help: "Clients waiting for a channel to open"})
	acceptsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "jumpsocks_accepts_total", Help: "Local connections accepted"})
	handshakeFailures  = promauto.NewCounter(prometheus.CounterOpts{Name: "jumpsocks_handshake_failures_total", Help: "SOCKS5 handshakes that failed"})
	channelOpensTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "jumpsocks_channel_opens_total", Help: "direct-tcpip channel opens by result"}, []string{"result"})
	channelOpenSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "jumpsocks_channel_open_seconds", Help: "Time to open a direct-tcpip channel", Buckets: prometheus.ExponentialBuckets(0.005, 2, 12)})
	clientClosesTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "jumpsocks_client_closes_total", Help: "Active clients closed by reason"}, []string{"reason"})
	bytesRelayedTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "jumpsocks_bytes_relayed_total", Help: "Bytes relayed by direction"}, []string{"direction"})
	loopFailuresTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "jumpsocks_loop_failures_total", Help: "Tunnel loops stopped by a listener error"})

	bytesUpstreamTotal   = bytesRelayedTotal.WithLabelValues("upstream")
	bytesDownstreamTotal = bytesRelayedTotal.WithLabelValues("downstream")
)
