//go:build !openssl || !cgo

package openssl

import (
	"context"
	"net"

	"github.com/r-franke/amqptls"
)

// Engine is a placeholder in builds without OpenSSL. Every handshake fails
// with ErrUnavailable.
type Engine struct{}

// New always returns ErrUnavailable in this build.
func New(amqptls.TLSConfig) (*Engine, error) {
	return nil, ErrUnavailable
}

func (*Engine) Name() string {
	return Name
}

func (*Engine) Client(context.Context, net.Conn, string) (net.Conn, error) {
	return nil, ErrUnavailable
}
