package amqptls

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Engine performs the client side of a TLS handshake over an already
// connected socket. gotls and openssl provide the two implementations.
type Engine interface {
	// Name identifies the engine in logs and metrics.
	Name() string
	// Client wraps conn in a TLS client session for serverName and completes
	// the handshake before returning. On error the caller still owns conn.
	Client(ctx context.Context, conn net.Conn, serverName string) (net.Conn, error)
}

// TLSConfig is the engine independent TLS configuration.
type TLSConfig struct {
	// CAFile is a PEM bundle of trusted roots.
	CAFile string
	// CAPath is a directory of PEM encoded roots.
	CAPath string
	// CACert is a PEM encoded root held in memory.
	CACert []byte

	// CertFile and KeyFile hold a client certificate for mutual TLS.
	CertFile string
	KeyFile  string

	// ServerName overrides the name verified against the broker
	// certificate. Empty means the URI host.
	ServerName string

	InsecureSkipVerify bool
}

// HasRoots reports whether custom roots were configured. Engines fall back
// to the system roots otherwise.
func (c TLSConfig) HasRoots() bool {
	return c.CAFile != "" || c.CAPath != "" || len(c.CACert) > 0
}

// HasClientCert reports whether a client certificate was configured.
func (c TLSConfig) HasClientCert() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// EngineFactory builds an Engine from a TLSConfig.
type EngineFactory func(TLSConfig) (Engine, error)

var (
	enginesLock sync.RWMutex
	engines     = map[string]EngineFactory{}
)

// RegisterEngine makes an engine available to NewEngine under name. It
// panics when name is registered twice.
func RegisterEngine(name string, factory EngineFactory) {
	enginesLock.Lock()
	defer enginesLock.Unlock()

	if _, ok := engines[name]; ok {
		panic("amqptls: engine " + name + " already registered")
	}
	engines[name] = factory
}

// NewEngine builds the engine registered under name.
func NewEngine(name string, cfg TLSConfig) (Engine, error) {
	enginesLock.RLock()
	factory, ok := engines[name]
	enginesLock.RUnlock()

	if !ok {
		return nil, errors.Errorf("unknown TLS engine %q (registered: %v)", name, Engines())
	}
	return factory(cfg)
}

// Engines lists the registered engine names.
func Engines() []string {
	enginesLock.RLock()
	defer enginesLock.RUnlock()

	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
