package amqptls

import (
	"context"
	"net"

	"github.com/hashicorp/go-hclog"
)

// Dialer opens the TCP socket under a Stream. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// HeartbeatErrorHandler is called at most once, when an established
// connection is torn down by an error such as missed heartbeats.
type HeartbeatErrorHandler func(error)

type options struct {
	logger           hclog.Logger
	dialer           Dialer
	metrics          *Metrics
	serverName       string
	connectionName   string
	onHeartbeatError HeartbeatErrorHandler
}

// Option customises OpenStream and Connect.
type Option func(*options)

func newOptions(opts []Option) *options {
	o := &options{
		logger: hclog.NewNullLogger(),
		dialer: &net.Dialer{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger hclog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDialer replaces the net.Dialer used for the TCP socket.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		if d != nil {
			o.dialer = d
		}
	}
}

// WithMetrics records connection attempts and handshake latency.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithServerName overrides the name checked against the broker certificate.
func WithServerName(name string) Option {
	return func(o *options) {
		o.serverName = name
	}
}

// WithConnectionName sets the connection_name client property shown by the
// broker's management tools.
func WithConnectionName(name string) Option {
	return func(o *options) {
		o.connectionName = name
	}
}

// WithHeartbeatErrorHandler registers h to be told about an abnormal
// connection shutdown.
func WithHeartbeatErrorHandler(h HeartbeatErrorHandler) Option {
	return func(o *options) {
		o.onHeartbeatError = h
	}
}
