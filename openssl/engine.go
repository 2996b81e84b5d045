//go:build openssl && cgo

package openssl

import (
	"context"
	"encoding/pem"
	"net"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spacemonkeygo/openssl"

	"github.com/r-franke/amqptls"
)

// systemBundles are the usual CA bundle locations, tried in order when no
// roots are configured.
var systemBundles = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/ca-bundle.pem",
	"/etc/pki/tls/cacert.pem",
	"/etc/ssl/cert.pem",
}

// Engine runs TLS client handshakes with OpenSSL.
type Engine struct {
	ctx        *openssl.Ctx
	serverName string
	insecure   bool
}

// New builds an OpenSSL context from cfg.
func New(cfg amqptls.TLSConfig) (*Engine, error) {
	ctx, err := openssl.NewCtx()
	if err != nil {
		return nil, errors.Wrap(err, "cannot create OpenSSL context")
	}
	ctx.SetOptions(openssl.NoSSLv2 | openssl.NoSSLv3)

	if err := loadRoots(ctx, cfg); err != nil {
		return nil, err
	}

	if cfg.HasClientCert() {
		if err := useClientCert(ctx, cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, err
		}
	}

	if cfg.InsecureSkipVerify {
		ctx.SetVerifyMode(openssl.VerifyNone)
	} else {
		ctx.SetVerifyMode(openssl.VerifyPeer)
	}

	return &Engine{
		ctx:        ctx,
		serverName: cfg.ServerName,
		insecure:   cfg.InsecureSkipVerify,
	}, nil
}

func loadRoots(ctx *openssl.Ctx, cfg amqptls.TLSConfig) error {
	if cfg.CAFile != "" || cfg.CAPath != "" {
		if err := ctx.LoadVerifyLocations(cfg.CAFile, cfg.CAPath); err != nil {
			return errors.Wrap(err, "cannot load trusted roots")
		}
	}

	if len(cfg.CACert) > 0 {
		store := ctx.GetCertificateStore()
		rest := cfg.CACert
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			cert, err := openssl.LoadCertificateFromPEM(pem.EncodeToMemory(block))
			if err != nil {
				return errors.Wrap(err, "cannot parse CA certificate")
			}
			if err := store.AddCertificate(cert); err != nil {
				return errors.Wrap(err, "cannot add CA certificate")
			}
		}
	}

	if cfg.HasRoots() {
		return nil
	}

	file, dir := os.Getenv("SSL_CERT_FILE"), os.Getenv("SSL_CERT_DIR")
	if file == "" {
		for _, candidate := range systemBundles {
			if _, err := os.Stat(candidate); err == nil {
				file = candidate
				break
			}
		}
	}
	if file == "" && dir == "" {
		return errors.New("no system CA bundle found, configure CAFile or CAPath")
	}
	return errors.Wrap(ctx.LoadVerifyLocations(file, dir), "cannot load system roots")
}

func useClientCert(ctx *openssl.Ctx, certFile, keyFile string) error {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return errors.Wrap(err, "cannot read client certificate")
	}
	cert, err := openssl.LoadCertificateFromPEM(certPEM)
	if err != nil {
		return errors.Wrap(err, "cannot parse client certificate")
	}

	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return errors.Wrap(err, "cannot read client key")
	}
	key, err := openssl.LoadPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return errors.Wrap(err, "cannot parse client key")
	}

	if err := ctx.UseCertificate(cert); err != nil {
		return errors.Wrap(err, "cannot use client certificate")
	}
	return errors.Wrap(ctx.UsePrivateKey(key), "cannot use client key")
}

func (e *Engine) Name() string {
	return Name
}

// Client performs the handshake. OpenSSL blocks in the socket, so ctx is
// enforced through deadlines on conn.
func (e *Engine) Client(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error) {
	if e.serverName != "" {
		serverName = e.serverName
	}

	tlsConn, err := openssl.Client(conn, e.ctx)
	if err != nil {
		return nil, err
	}
	if err := tlsConn.SetTlsExtHostName(serverName); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	err = tlsConn.Handshake()
	if !stop() {
		return nil, errors.Wrap(ctx.Err(), "handshake interrupted")
	}
	if err != nil {
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	if !e.insecure {
		if err := tlsConn.VerifyHostname(serverName); err != nil {
			return nil, errors.Wrapf(err, "certificate is not valid for %s", serverName)
		}
	}
	return tlsConn, nil
}
