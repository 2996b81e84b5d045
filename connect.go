package amqptls

import (
	"context"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// OpHeartbeat marks errors handed to a HeartbeatErrorHandler.
const OpHeartbeat = "heartbeat"

var errLostAfterOpen = errors.Wrap(amqp.ErrClosed, "connection lost right after the AMQP handshake")

// aLongTimeAgo is a deadline in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Connect parses rawURI and connects to the broker it names. amqp:// opens a
// plain socket, amqps:// a TLS session through engine. The stream is then
// handed to amqp.Open for the AMQP handshake.
//
// Every failure, including a malformed URI, is returned as an *Error. A
// malformed URI fails before any network activity.
func Connect(ctx context.Context, rawURI string, engine Engine, opts ...Option) (*amqp.Connection, error) {
	o := newOptions(opts)

	uri, err := ParseURI(rawURI)
	if err != nil {
		o.metrics.observeConnect("", engineName(engine), err)
		return nil, err
	}
	return uri.connect(ctx, engine, o)
}

// Connect connects to the broker u names. See the package level Connect.
func (u URI) Connect(ctx context.Context, engine Engine, opts ...Option) (*amqp.Connection, error) {
	return u.connect(ctx, engine, newOptions(opts))
}

func (u URI) connect(ctx context.Context, engine Engine, o *options) (conn *amqp.Connection, err error) {
	if !u.Secure() {
		engine = nil
	}
	defer func() {
		o.metrics.observeConnect(u.Scheme, engineName(engine), err)
	}()

	if u.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.ConnectionTimeout)
		defer cancel()
	}

	stream, err := openStream(ctx, u.Secure(), u.Host, u.Port, engine, o)
	if err != nil {
		return nil, err
	}

	cfg := u.Config()
	if o.connectionName != "" {
		cfg.Properties = amqp.Table{"connection_name": o.connectionName}
	}

	conn, err = open(ctx, stream, cfg)
	if err != nil {
		_ = stream.Close()
		return nil, ioError(OpOpen, errors.Wrapf(err, "AMQP handshake with %s failed", u.Address()))
	}

	o.logger.Info("connected to AMQP broker",
		"addr", u.Address(),
		"vhost", u.Vhost,
		"transport", stream.Kind().String(),
	)

	if o.onHeartbeatError != nil {
		notifyOnError(conn, o.onHeartbeatError)
	}

	return conn, nil
}

// open runs the AMQP handshake over stream, aborting it when ctx ends.
func open(ctx context.Context, stream *Stream, cfg amqp.Config) (*amqp.Connection, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = stream.SetDeadline(aLongTimeAgo)
	})

	conn, err := amqp.Open(stream, cfg)
	interrupted := !stop()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, err.Error())
		}
		// The socket deadline can fire just before ctx notices.
		if deadline, ok := ctx.Deadline(); ok && !time.Now().Before(deadline) {
			return nil, errors.Wrap(context.DeadlineExceeded, err.Error())
		}
		return nil, err
	}
	if interrupted {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	return conn, nil
}

// notifyOnError calls h once if conn shuts down with an error. A clean
// Close closes the notification channel without a value and h is not
// called.
//
// amqp091 closes a receiver registered after shutdown without a value.
// conn has not been handed to the caller yet, so nobody can have closed it
// cleanly: a receiver that is already closed means the connection was lost
// between Open and registration.
func notifyOnError(conn *amqp.Connection, h HeartbeatErrorHandler) {
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case err, ok := <-closed:
		if !ok {
			go h(&Error{Op: OpHeartbeat, Err: errLostAfterOpen})
		} else if err != nil {
			go h(&Error{Op: OpHeartbeat, Err: err})
		}
		return
	default:
	}

	go func() {
		if err, ok := <-closed; ok && err != nil {
			h(&Error{Op: OpHeartbeat, Err: err})
		}
	}()
}

func engineName(e Engine) string {
	if e == nil {
		return "none"
	}
	return e.Name()
}
