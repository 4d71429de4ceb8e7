package bus

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics is the facade's private diagnostics registry. It never calls
// prometheus.DefaultRegisterer, so multiple Bus instances in one process
// never collide — this is the bus's own healthCheck()/diagnose()
// counter set, not a general-purpose telemetry bundle. The four
// counters Diagnose() reports (routed, failed, sent, timed out) are each
// paired with a plain atomic for cheap in-process reads; the stream and
// handshake counters live in the registry only.
type metrics struct {
	registry *prometheus.Registry

	envelopesRouted  prometheus.Counter
	envelopesFailed  prometheus.Counter
	requestsSent     prometheus.Counter
	requestsTimedOut prometheus.Counter
	streamsOpened    prometheus.Counter
	handshakesDone   prometheus.Counter

	envelopesRoutedCount  atomic.Uint64
	envelopesFailedCount  atomic.Uint64
	requestsSentCount     atomic.Uint64
	requestsTimedOutCount atomic.Uint64
}

func newMetrics(peerID string) *metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"peer_id": peerID}
	m := &metrics{
		registry: reg,
		envelopesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xbus_envelopes_routed_total", Help: "Envelopes successfully routed.", ConstLabels: labels,
		}),
		envelopesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xbus_envelopes_failed_total", Help: "Envelopes that failed to route.", ConstLabels: labels,
		}),
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xbus_requests_sent_total", Help: "Requests issued.", ConstLabels: labels,
		}),
		requestsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xbus_requests_timed_out_total", Help: "Requests that timed out.", ConstLabels: labels,
		}),
		streamsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xbus_streams_opened_total", Help: "Stream sessions opened.", ConstLabels: labels,
		}),
		handshakesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xbus_handshakes_completed_total", Help: "Handshakes completed successfully.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.envelopesRouted, m.envelopesFailed, m.requestsSent, m.requestsTimedOut, m.streamsOpened, m.handshakesDone)
	return m
}

func (m *metrics) routed()  { m.envelopesRouted.Inc(); m.envelopesRoutedCount.Add(1) }
func (m *metrics) failed()  { m.envelopesFailed.Inc(); m.envelopesFailedCount.Add(1) }
func (m *metrics) sent()    { m.requestsSent.Inc(); m.requestsSentCount.Add(1) }
func (m *metrics) timedOut(){ m.requestsTimedOut.Inc(); m.requestsTimedOutCount.Add(1) }
func (m *metrics) stream()  { m.streamsOpened.Inc() }
func (m *metrics) handshake() { m.handshakesDone.Inc() }

// Registry returns the private prometheus registry. The metrics value is
// an unexported field of Bus, so this is reachable only inside package
// bus; Bus has no exported accessor for it.
func (m *metrics) Registry() *prometheus.Registry { return m.registry }

// HealthStatus is the snapshot returned by Bus.HealthCheck.
type HealthStatus struct {
	Alive        bool `json:"alive"`
	PeerCount    int  `json:"peerCount"`
	PendingCount int  `json:"pendingCount"`
	StreamCount  int  `json:"streamCount"`
}

// Diagnostics is the fuller structured snapshot returned by Bus.Diagnose.
type Diagnostics struct {
	HealthStatus
	SelfID           string            `json:"selfId"`
	Peers            map[string]string `json:"peers"`
	Handlers         []string          `json:"handlers"`
	InboundHooks     int               `json:"inboundHooks"`
	OutboundHooks    int               `json:"outboundHooks"`
	PresenceSnapshot map[string]bool   `json:"presence"`
	BufferedCausal   int               `json:"bufferedCausal"`
	EnvelopesRouted  uint64            `json:"envelopesRouted"`
	EnvelopesFailed  uint64            `json:"envelopesFailed"`
	RequestsSent     uint64            `json:"requestsSent"`
	RequestsTimedOut uint64            `json:"requestsTimedOut"`
}
