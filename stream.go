package amqptls

import (
	"net"
	"time"

	"github.com/pkg/errors"
)

// ErrCloseWriteUnsupported is returned by CloseWrite when the TLS session
// has no way to send close_notify without closing the connection.
var ErrCloseWriteUnsupported = errors.New("amqptls: TLS session does not support CloseWrite")

type closeWriter interface {
	CloseWrite() error
}

// Kind tells which transport backs a Stream.
type Kind int

const (
	// KindPlain is a raw TCP socket, used for amqp:// URIs.
	KindPlain Kind = iota
	// KindTLS is a TLS session over a TCP socket, used for amqps:// URIs.
	KindTLS
)

func (k Kind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindTLS:
		return "tls"
	default:
		return "unknown"
	}
}

// Stream is either a raw TCP socket or a TLS session layered on one. Both
// variants expose the same byte stream to the AMQP client, so callers never
// need to know which one they hold.
type Stream struct {
	kind Kind
	raw  net.Conn
	tls  net.Conn
}

var _ net.Conn = (*Stream)(nil)

// NewPlainStream wraps a raw socket.
func NewPlainStream(raw net.Conn) *Stream {
	return &Stream{kind: KindPlain, raw: raw}
}

// NewTLSStream wraps a TLS session. raw is the socket under it.
func NewTLSStream(raw, tls net.Conn) *Stream {
	return &Stream{kind: KindTLS, raw: raw, tls: tls}
}

// Kind reports the active variant.
func (s *Stream) Kind() Kind {
	return s.kind
}

// Secure reports whether the stream is encrypted.
func (s *Stream) Secure() bool {
	return s.kind == KindTLS
}

// Raw returns the TCP socket. Reading from or writing to it directly
// corrupts a TLS session.
func (s *Stream) Raw() net.Conn {
	return s.raw
}

// Conn returns the connection all I/O is dispatched to.
func (s *Stream) Conn() net.Conn {
	if s.kind == KindTLS {
		return s.tls
	}
	return s.raw
}

func (s *Stream) Read(b []byte) (int, error) {
	switch s.kind {
	case KindTLS:
		return s.tls.Read(b)
	default:
		return s.raw.Read(b)
	}
}

func (s *Stream) Write(b []byte) (int, error) {
	switch s.kind {
	case KindTLS:
		return s.tls.Write(b)
	default:
		return s.raw.Write(b)
	}
}

// Flush pushes out data buffered by the active variant. Sockets and
// crypto/tls write through, so it is a no-op for them.
func (s *Stream) Flush() error {
	if f, ok := s.Conn().(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// CloseWrite shuts down the sending side. For TLS this sends close_notify
// and leaves the socket open for the peer's reply. A TLS session that cannot
// half-close returns ErrCloseWriteUnsupported and leaves the socket alone.
func (s *Stream) CloseWrite() error {
	switch s.kind {
	case KindTLS:
		if cw, ok := s.tls.(closeWriter); ok {
			return cw.CloseWrite()
		}
		return ErrCloseWriteUnsupported
	default:
		if cw, ok := s.raw.(closeWriter); ok {
			return cw.CloseWrite()
		}
		return nil
	}
}

// Close closes the active variant, which closes the socket under it.
func (s *Stream) Close() error {
	switch s.kind {
	case KindTLS:
		return s.tls.Close()
	default:
		return s.raw.Close()
	}
}

func (s *Stream) LocalAddr() net.Addr {
	return s.Conn().LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	return s.Conn().RemoteAddr()
}

func (s *Stream) SetDeadline(t time.Time) error {
	return s.Conn().SetDeadline(t)
}

func (s *Stream) SetReadDeadline(t time.Time) error {
	return s.Conn().SetReadDeadline(t)
}

func (s *Stream) SetWriteDeadline(t time.Time) error {
	return s.Conn().SetWriteDeadline(t)
}
