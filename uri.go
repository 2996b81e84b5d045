package amqptls

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	SchemeAMQP  = "amqp"
	SchemeAMQPS = "amqps"
)

// Protocol defaults used when the URI query leaves a setting out.
const (
	DefaultHeartbeat  = 10 * time.Second
	DefaultFrameSize  = 131072
	DefaultChannelMax = 2047
	DefaultLocale     = "en_US"

	// frameMinSize is the smallest frame_max a peer may negotiate.
	frameMinSize = 4096
)

// URI is a parsed AMQP URI. Scheme, host, port, credentials and vhost come
// from amqp.ParseURI; the tuning fields come from the query string.
//
// A zero tuning field means the URI did not set it, unless the query set it
// to 0 explicitly: heartbeat=0, frame_max=0 and channel_max=0 are passed to
// the broker as is, which lets it pick the value.
type URI struct {
	amqp.URI

	Heartbeat         time.Duration
	FrameSize         int
	ChannelMax        int
	ConnectionTimeout time.Duration

	// query keys present in the URI
	hasHeartbeat, hasFrameSize, hasChannelMax bool
}

// ParseURI parses an amqp:// or amqps:// URI. Recognised query keys are
// heartbeat (seconds), frame_max, channel_max and connection_timeout
// (milliseconds).
func ParseURI(raw string) (URI, error) {
	base, err := amqp.ParseURI(raw)
	if err != nil {
		return URI{}, &Error{Op: OpParse, Err: errors.Wrap(err, "invalid AMQP URI")}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return URI{}, &Error{Op: OpParse, Err: errors.Wrap(err, "invalid AMQP URI")}
	}

	uri := URI{URI: base}
	if err := uri.parseQuery(u.Query()); err != nil {
		return URI{}, &Error{Op: OpParse, Err: err}
	}
	return uri, nil
}

// MustParseURI is like ParseURI but panics on error.
func MustParseURI(raw string) URI {
	u, err := ParseURI(raw)
	if err != nil {
		panic(err)
	}
	return u
}

func (u *URI) parseQuery(q url.Values) error {
	if v := q.Get("heartbeat"); v != "" {
		d, err := parseutil.ParseDurationSecond(v)
		if err != nil {
			return errors.Wrapf(err, "invalid heartbeat %q", v)
		}
		if d < 0 {
			return errors.Errorf("invalid heartbeat %q: negative", v)
		}
		u.Heartbeat = d
		u.hasHeartbeat = true
	}

	if v := q.Get("frame_max"); v != "" {
		n, err := parseutil.ParseInt(v)
		if err != nil {
			return errors.Wrapf(err, "invalid frame_max %q", v)
		}
		if n != 0 && (n < frameMinSize || n > 1<<32-1) {
			return errors.Errorf("invalid frame_max %q: must be 0 or between %d and %d", v, frameMinSize, uint32(1<<32-1))
		}
		u.FrameSize = int(n)
		u.hasFrameSize = true
	}

	if v := q.Get("channel_max"); v != "" {
		n, err := parseutil.ParseInt(v)
		if err != nil {
			return errors.Wrapf(err, "invalid channel_max %q", v)
		}
		if n < 0 || n > 1<<16-1 {
			return errors.Errorf("invalid channel_max %q: must be between 0 and %d", v, 1<<16-1)
		}
		u.ChannelMax = int(n)
		u.hasChannelMax = true
	}

	if v := q.Get("connection_timeout"); v != "" {
		n, err := parseutil.ParseInt(v)
		if err != nil {
			return errors.Wrapf(err, "invalid connection_timeout %q", v)
		}
		if n < 0 {
			return errors.Errorf("invalid connection_timeout %q: negative", v)
		}
		u.ConnectionTimeout = time.Duration(n) * time.Millisecond
	}

	return nil
}

// Secure reports whether the URI asks for TLS.
func (u URI) Secure() bool {
	return u.Scheme == SchemeAMQPS
}

// Address is the host:port the socket is opened to.
func (u URI) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Config builds the amqp.Config handed to amqp.Open, filling tuning values
// the URI left out with the protocol defaults.
func (u URI) Config() amqp.Config {
	cfg := amqp.Config{
		SASL:       []amqp.Authentication{u.PlainAuth()},
		Vhost:      u.Vhost,
		Heartbeat:  DefaultHeartbeat,
		FrameSize:  DefaultFrameSize,
		ChannelMax: DefaultChannelMax,
		Locale:     DefaultLocale,
	}
	if u.hasHeartbeat || u.Heartbeat > 0 {
		cfg.Heartbeat = u.Heartbeat
	}
	if u.hasFrameSize || u.FrameSize > 0 {
		cfg.FrameSize = u.FrameSize
	}
	if u.hasChannelMax || u.ChannelMax > 0 {
		cfg.ChannelMax = u.ChannelMax
	}
	return cfg
}
