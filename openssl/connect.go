// Package openssl is the OpenSSL backed TLS engine for amqptls.
//
// The engine needs cgo and libssl, and is only compiled with the openssl
// build tag:
//
//	go build -tags openssl ./...
//
// Without the tag New returns ErrUnavailable, so callers can fall back to
// package gotls.
package openssl

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r-franke/amqptls"
)

// Name is the engine name registered with amqptls.
const Name = "openssl"

// ErrUnavailable is returned by New when the binary was built without
// OpenSSL support.
var ErrUnavailable = errors.New("openssl engine not available (build with -tags openssl and cgo enabled)")

func init() {
	amqptls.RegisterEngine(Name, func(cfg amqptls.TLSConfig) (amqptls.Engine, error) {
		return New(cfg)
	})
}

var _ amqptls.Engine = (*Engine)(nil)

// URI is an AMQP URI string that connects through OpenSSL.
type URI string

// Connect parses u and connects, trusting the system CA bundle for amqps.
// onHeartbeatError may be nil.
func (u URI) Connect(ctx context.Context, onHeartbeatError amqptls.HeartbeatErrorHandler, opts ...amqptls.Option) (*amqp.Connection, error) {
	return Connect(ctx, string(u), onHeartbeatError, opts...)
}

// Connect parses uri and connects, trusting the system CA bundle for amqps.
// onHeartbeatError may be nil.
func Connect(ctx context.Context, uri string, onHeartbeatError amqptls.HeartbeatErrorHandler, opts ...amqptls.Option) (*amqp.Connection, error) {
	parsed, err := amqptls.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return ConnectURI(ctx, parsed, onHeartbeatError, opts...)
}

// ConnectURI connects to an already parsed URI. The engine is only built
// for amqps, so plain connections work without OpenSSL.
func ConnectURI(ctx context.Context, uri amqptls.URI, onHeartbeatError amqptls.HeartbeatErrorHandler, opts ...amqptls.Option) (*amqp.Connection, error) {
	var engine amqptls.Engine
	if uri.Secure() {
		e, err := New(amqptls.TLSConfig{})
		if err != nil {
			return nil, &amqptls.Error{Op: amqptls.OpHandshake, Err: err}
		}
		engine = e
	}

	if onHeartbeatError != nil {
		opts = append([]amqptls.Option{amqptls.WithHeartbeatErrorHandler(onHeartbeatError)}, opts...)
	}
	return uri.Connect(ctx, engine, opts...)
}
