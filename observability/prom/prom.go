// Package prom exports the session and fan-out observer surfaces to Prometheus.
package prom

import (
	"net/http"
	"time"

	"github.com/fieldrelay/securestream/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionObserver exports per-session metrics to Prometheus.
type SessionObserver struct {
	handshakeTotal    *prometheus.CounterVec
	handshakeLatency  *prometheus.HistogramVec
	framesEncrypted   prometheus.Counter
	framesDecrypted   prometheus.Counter
	framesDropped     *prometheus.CounterVec
	rekeyTotal        *prometheus.CounterVec
	rekeyLatency      prometheus.Histogram
	epochGauge        prometheus.Gauge
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securestream_handshake_total",
			Help: "Completed and failed handshakes by mechanism.",
		}, []string{"mechanism", "result"}),
		handshakeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "securestream_handshake_latency_seconds",
			Help:    "Handshake completion latency by mechanism.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mechanism"}),
		framesEncrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securestream_frames_encrypted_total",
			Help: "DATA frames successfully encrypted for transmission.",
		}),
		framesDecrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securestream_frames_decrypted_total",
			Help: "DATA frames successfully decrypted and delivered.",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securestream_frames_dropped_total",
			Help: "Inbound DATA frames dropped before delivery, by reason.",
		}, []string{"reason"}),
		rekeyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securestream_rekey_total",
			Help: "Rekey attempts by outcome.",
		}, []string{"result"}),
		rekeyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "securestream_rekey_latency_seconds",
			Help:    "Time from rekey initiation to REKEY_ACK.",
			Buckets: prometheus.DefBuckets,
		}),
		epochGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securestream_session_epoch",
			Help: "Current key epoch (increments by one on every completed rekey).",
		}),
	}
	reg.MustRegister(
		o.handshakeTotal,
		o.handshakeLatency,
		o.framesEncrypted,
		o.framesDecrypted,
		o.framesDropped,
		o.rekeyTotal,
		o.rekeyLatency,
		o.epochGauge,
	)
	return o
}

func (o *SessionObserver) HandshakeCompleted(mechanism string, d time.Duration) {
	o.handshakeTotal.WithLabelValues(mechanism, "ok").Inc()
	o.handshakeLatency.WithLabelValues(mechanism).Observe(d.Seconds())
}

func (o *SessionObserver) HandshakeFailed(mechanism string) {
	o.handshakeTotal.WithLabelValues(mechanism, "fail").Inc()
}

func (o *SessionObserver) FrameEncrypted(n int) { o.framesEncrypted.Add(float64(n)) }
func (o *SessionObserver) FrameDecrypted(n int) { o.framesDecrypted.Add(float64(n)) }

func (o *SessionObserver) FrameDropped(reason observability.FrameDropReason) {
	o.framesDropped.WithLabelValues(string(reason)).Inc()
}

func (o *SessionObserver) RekeyStarted(string) {}

func (o *SessionObserver) RekeyCompleted(result observability.RekeyResult, d time.Duration) {
	o.rekeyTotal.WithLabelValues(string(result)).Inc()
	if result == observability.RekeyResultOK {
		o.rekeyLatency.Observe(d.Seconds())
	}
}

func (o *SessionObserver) Epoch(n uint32) { o.epochGauge.Set(float64(n)) }

// FanoutObserver exports fan-out/mesh controller metrics to Prometheus.
type FanoutObserver struct {
	peerGauge          prometheus.Gauge
	peerCloseTotal     *prometheus.CounterVec
	groupRekeyTotal    prometheus.Counter
	groupRekeyFailed   prometheus.Counter
	groupRekeyLatency  prometheus.Histogram
}

// NewFanoutObserver registers fan-out metrics on the registry.
func NewFanoutObserver(reg *prometheus.Registry) *FanoutObserver {
	o := &FanoutObserver{
		peerGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "securestream_fanout_peers",
			Help: "Current peer count with an active, keyed session.",
		}),
		peerCloseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "securestream_fanout_peer_close_total",
			Help: "Peer session closures by reason.",
		}, []string{"reason"}),
		groupRekeyTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securestream_group_rekey_total",
			Help: "Completed group-key distribution rounds.",
		}),
		groupRekeyFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "securestream_group_rekey_member_failed_total",
			Help: "Members that failed to confirm a group-key distribution round.",
		}),
		groupRekeyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "securestream_group_rekey_latency_seconds",
			Help:    "Time from group-key distribution start to all confirmations (or timeout).",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		o.peerGauge,
		o.peerCloseTotal,
		o.groupRekeyTotal,
		o.groupRekeyFailed,
		o.groupRekeyLatency,
	)
	return o
}

func (o *FanoutObserver) PeerCount(n int) { o.peerGauge.Set(float64(n)) }

func (o *FanoutObserver) PeerClosed(reason observability.PeerCloseReason) {
	o.peerCloseTotal.WithLabelValues(string(reason)).Inc()
}

func (o *FanoutObserver) GroupRekeyCompleted(memberCount, failedCount int, d time.Duration) {
	o.groupRekeyTotal.Inc()
	o.groupRekeyFailed.Add(float64(failedCount))
	o.groupRekeyLatency.Observe(d.Seconds())
}
