package amqptls

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "amqptls"

// Metrics holds the collectors updated by OpenStream and Connect. A nil
// *Metrics records nothing.
type Metrics struct {
	ConnectAttempts   *prometheus.CounterVec
	HandshakeDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "connect_attempts_total",
				Help:      "Number of AMQP connection attempts by scheme, TLS engine and result.",
			},
			[]string{"scheme", "engine", "result"},
		),
		HandshakeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "tls_handshake_duration_seconds",
				Help:      "Time spent in the TLS client handshake.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"engine", "result"},
		),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.ConnectAttempts, m.HandshakeDuration} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "cannot register amqptls metrics")
		}
	}
	return m, nil
}

func (m *Metrics) observeHandshake(engine string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.HandshakeDuration.WithLabelValues(engine, result(err)).Observe(d.Seconds())
}

func (m *Metrics) observeConnect(scheme, engine string, err error) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(scheme, engine, result(err)).Inc()
}

func result(err error) string {
	if err == nil {
		return "success"
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op + "_error"
	}
	return "error"
}
