package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the client's prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	StateTransitions     *prometheus.CounterVec
	MessagesReceived     prometheus.Counter
	MessagesSent         prometheus.Counter
	PingsSent            prometheus.Counter
	PongTimeouts         prometheus.Counter
	ReconnectAttempts    prometheus.Counter
	ActiveChannels       prometheus.Gauge
	PendingSubscriptions prometheus.Gauge
	AuthFailures         prometheus.Counter
	DecryptFailures      *prometheus.CounterVec
	Signins              *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StateTransitions:     f.NewCounterVec(prometheus.CounterOpts{Name: "pushnet_connection_state_transitions_total", Help: "Connection state transitions"}, []string{"from", "to"}),
		MessagesReceived:     f.NewCounter(prometheus.CounterOpts{Name: "pushnet_messages_received_total", Help: "Inbound frames"}),
		MessagesSent:         f.NewCounter(prometheus.CounterOpts{Name: "pushnet_messages_sent_total", Help: "Outbound frames handed to the transport"}),
		PingsSent:            f.NewCounter(prometheus.CounterOpts{Name: "pushnet_pings_sent_total", Help: "Keepalive pings sent"}),
		PongTimeouts:         f.NewCounter(prometheus.CounterOpts{Name: "pushnet_pong_timeouts_total", Help: "Disconnects caused by a missing pong"}),
		ReconnectAttempts:    f.NewCounter(prometheus.CounterOpts{Name: "pushnet_reconnect_attempts_total", Help: "Scheduled reconnection attempts"}),
		ActiveChannels:       f.NewGauge(prometheus.GaugeOpts{Name: "pushnet_active_channels", Help: "Channels registered with the manager"}),
		PendingSubscriptions: f.NewGauge(prometheus.GaugeOpts{Name: "pushnet_pending_subscriptions", Help: "Subscriptions waiting for a connection"}),
		AuthFailures:         f.NewCounter(prometheus.CounterOpts{Name: "pushnet_authorization_failures_total", Help: "Channel authorization failures"}),
		DecryptFailures:      f.NewCounterVec(prometheus.CounterOpts{Name: "pushnet_decryption_failures_total", Help: "Encrypted payloads that failed to open"}, []string{"stage"}),
		Signins:              f.NewCounterVec(prometheus.CounterOpts{Name: "pushnet_signins_total", Help: "User sign-in outcomes"}, []string{"result"}),
	}
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Received() {
	if m != nil {
		m.MessagesReceived.Inc()
	}
}

func (m *Metrics) Sent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) Ping() {
	if m != nil {
		m.PingsSent.Inc()
	}
}

func (m *Metrics) PongTimeout() {
	if m != nil {
		m.PongTimeouts.Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) SetChannels(active, pending int) {
	if m == nil {
		return
	}
	m.ActiveChannels.Set(float64(active))
	m.PendingSubscriptions.Set(float64(pending))
}

func (m *Metrics) AuthFailure() {
	if m != nil {
		m.AuthFailures.Inc()
	}
}

// DecryptFailure counts a failed open; stage is "retry" for the first failure and "final"
// when the retry failed too.
func (m *Metrics) DecryptFailure(stage string) {
	if m != nil {
		m.DecryptFailures.WithLabelValues(stage).Inc()
	}
}

// Signin counts a sign-in outcome: "sent", "success" or "failure".
func (m *Metrics) Signin(result string) {
	if m != nil {
		m.Signins.WithLabelValues(result).Inc()
	}
}
