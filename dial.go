package amqptls

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

var errNoEngine = errors.New("amqps requested but no TLS engine configured")

// OpenStream connects to host:port and, when secure is set, runs the TLS
// client handshake of engine over the new socket. Nothing is retried.
func OpenStream(ctx context.Context, secure bool, host string, port int, engine Engine, opts ...Option) (*Stream, error) {
	return openStream(ctx, secure, host, port, engine, newOptions(opts))
}

func openStream(ctx context.Context, secure bool, host string, port int, engine Engine, o *options) (*Stream, error) {
	if secure && engine == nil {
		return nil, &Error{Op: OpHandshake, Err: errNoEngine}
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	logger := o.logger.With("addr", addr, "tls", secure)

	logger.Debug("opening socket")
	raw, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ioError(OpDial, errors.Wrapf(err, "cannot connect to %s", addr))
	}

	if !secure {
		return NewPlainStream(raw), nil
	}

	serverName := o.serverName
	if serverName == "" {
		serverName = host
	}

	logger.Debug("starting TLS handshake", "engine", engine.Name(), "server_name", serverName)
	start := time.Now()
	conn, err := engine.Client(ctx, raw, serverName)
	o.metrics.observeHandshake(engine.Name(), time.Since(start), err)
	if err != nil {
		_ = raw.Close()
		return nil, ioError(OpHandshake, errors.Wrapf(err, "%s handshake with %s", engine.Name(), addr))
	}

	return NewTLSStream(raw, conn), nil
}
