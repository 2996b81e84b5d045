// Package gotls is the pure Go TLS engine for amqptls. Handshakes run on
// crypto/tls; trusted roots are the system pool unless a CA file, directory
// or PEM blob is configured.
package gotls

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/hashicorp/go-rootcerts"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r-franke/amqptls"
)

// Name is the engine name registered with amqptls.
const Name = "go"

func init() {
	amqptls.RegisterEngine(Name, func(cfg amqptls.TLSConfig) (amqptls.Engine, error) {
		return New(cfg)
	})
}

// Engine runs TLS client handshakes with crypto/tls.
type Engine struct {
	config *tls.Config
}

var _ amqptls.Engine = (*Engine)(nil)

// New builds an Engine from cfg.
func New(cfg amqptls.TLSConfig) (*Engine, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.HasRoots() {
		err := rootcerts.ConfigureTLS(tlsConfig, &rootcerts.Config{
			CAFile:        cfg.CAFile,
			CAPath:        cfg.CAPath,
			CACertificate: cfg.CACert,
		})
		if err != nil {
			return nil, errors.Wrap(err, "cannot load trusted roots")
		}
	}

	if cfg.HasClientCert() {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "cannot load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &Engine{config: tlsConfig}, nil
}

// NewFromConfig uses an existing tls.Config. The config is cloned per
// handshake and never modified.
func NewFromConfig(cfg *tls.Config) *Engine {
	if cfg == nil {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Engine{config: cfg}
}

func (e *Engine) Name() string {
	return Name
}

// Client performs the handshake, honouring ctx cancellation.
func (e *Engine) Client(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	cfg := e.config.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// URI is an AMQP URI string that connects through this engine.
type URI string

// Connect parses u and connects, using the system roots for amqps.
// onHeartbeatError may be nil.
func (u URI) Connect(ctx context.Context, onHeartbeatError amqptls.HeartbeatErrorHandler, opts ...amqptls.Option) (*amqp.Connection, error) {
	return Connect(ctx, string(u), onHeartbeatError, opts...)
}

// Connect parses uri and connects, using the system roots for amqps.
// onHeartbeatError may be nil.
func Connect(ctx context.Context, uri string, onHeartbeatError amqptls.HeartbeatErrorHandler, opts ...amqptls.Option) (*amqp.Connection, error) {
	engine, err := New(amqptls.TLSConfig{})
	if err != nil {
		return nil, err
	}
	return amqptls.Connect(ctx, uri, engine, withHandler(onHeartbeatError, opts)...)
}

// ConnectURI connects to an already parsed URI.
func ConnectURI(ctx context.Context, uri amqptls.URI, onHeartbeatError amqptls.HeartbeatErrorHandler, opts ...amqptls.Option) (*amqp.Connection, error) {
	engine, err := New(amqptls.TLSConfig{})
	if err != nil {
		return nil, err
	}
	return uri.Connect(ctx, engine, withHandler(onHeartbeatError, opts)...)
}

func withHandler(h amqptls.HeartbeatErrorHandler, opts []amqptls.Option) []amqptls.Option {
	if h == nil {
		return opts
	}
	return append([]amqptls.Option{amqptls.WithHeartbeatErrorHandler(h)}, opts...)
}
