// Package session keeps a confirm-mode AMQP channel alive across connection
// and channel failures. Connecting is delegated to a DialFunc, normally
// amqptls.Connect, which never retries on its own.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r-franke/amqptls"
)

var (
	errNotConnected  = errors.New("not connected to a server")
	errAlreadyClosed = errors.New("already closed: not connected to the server")
	errShutdown      = errors.New("session is shutting down")
)

// DialFunc opens a new connection. It is called again after every
// connection loss.
type DialFunc func(ctx context.Context) (*amqp.Connection, error)

// Dialer returns a DialFunc connecting to uri through amqptls.Connect.
func Dialer(uri string, engine amqptls.Engine, opts ...amqptls.Option) DialFunc {
	return func(ctx context.Context) (*amqp.Connection, error) {
		return amqptls.Connect(ctx, uri, engine, opts...)
	}
}

type ReconnectConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxRetries bounds consecutive failed dials. Zero retries forever.
	MaxRetries uint64
}

func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		MaxRetries:          5,
	}
}

func (r ReconnectConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	b.Multiplier = r.Multiplier
	b.RandomizationFactor = r.RandomizationFactor
	b.MaxElapsedTime = 0
	b.Reset()

	var bo backoff.BackOff = b
	if r.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, r.MaxRetries)
	}
	return backoff.WithContext(bo, ctx)
}

type QosConfig struct {
	PrefetchCount int
	PrefetchSize  int
	Global        bool
}

type Config struct {
	Logger    hclog.Logger
	Reconnect ReconnectConfig
	// ReInitDelay is the pause between failed channel initialisations.
	ReInitDelay time.Duration
	// Qos is applied to every new channel when PrefetchCount or
	// PrefetchSize is set.
	Qos QosConfig
	// OnReady runs on every new channel before the session reports ready.
	// An error closes the channel and initialisation is retried.
	OnReady func(ch *amqp.Channel) error
}

func DefaultConfig() Config {
	return Config{
		Logger:      hclog.NewNullLogger(),
		Reconnect:   DefaultReconnectConfig(),
		ReInitDelay: 2 * time.Second,
	}
}

type Session struct {
	dial   DialFunc
	config Config
	logger hclog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	mu              sync.RWMutex
	connection      *amqp.Connection
	channel         *amqp.Channel
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	ready           chan struct{}
	isReady         bool
	closed          bool
	err             error
}

// New starts a session and waits until its first channel is ready, the
// dial retries are exhausted or ctx ends.
func New(ctx context.Context, dial DialFunc, config Config) (*Session, error) {
	s := newSession(dial, config)
	go s.handleReconnect()

	if err := s.WaitReady(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func newSession(dial DialFunc, config Config) *Session {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		dial:    dial,
		config:  config,
		logger:  config.Logger.Named("session"),
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
		ready:   make(chan struct{}),
	}
}

// handleReconnect dials, then waits for the connection to drop and dials
// again, until the session is closed or the retries run out.
func (s *Session) handleReconnect() {
	defer close(s.stopped)

	for {
		s.setNotReady()

		conn, err := s.connect()
		if err != nil {
			s.fail(err)
			return
		}

		if done := s.handleReInit(conn); done {
			return
		}
	}
}

// connect dials with exponential backoff.
func (s *Session) connect() (*amqp.Connection, error) {
	var (
		conn    *amqp.Connection
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		c, err := s.dial(s.ctx)
		if err != nil {
			s.logger.Error("failed to connect", "attempt", attempt, "error", err)
			return err
		}
		conn = c
		return nil
	}, s.config.Reconnect.backOff(s.ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "giving up after %d connection attempts", attempt)
	}

	s.changeConnection(conn)
	return conn, nil
}

// handleReInit waits for a channel error and then re-initialises the
// channel. It returns true when the session is closing and false when the
// connection has to be redialed.
func (s *Session) handleReInit(conn *amqp.Connection) bool {
	for {
		s.setNotReady()

		err := s.init(conn)
		if err != nil {
			s.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-s.ctx.Done():
				return true
			case <-s.connClosed():
				s.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(s.config.ReInitDelay):
			}
			continue
		}

		select {
		case <-s.ctx.Done():
			return true
		case reason := <-s.connClosed():
			s.logger.Info("connection closed, reconnecting", "reason", reason)
			return false
		case reason := <-s.chanClosed():
			s.logger.Info("channel closed, re-running init", "reason", reason)
		}
	}
}

// init opens a confirm-mode channel on conn.
func (s *Session) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return errors.Wrap(err, "cannot open channel")
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return errors.Wrap(err, "cannot put channel in confirm mode")
	}

	if q := s.config.Qos; q.PrefetchCount > 0 || q.PrefetchSize > 0 {
		if err := ch.Qos(q.PrefetchCount, q.PrefetchSize, q.Global); err != nil {
			_ = ch.Close()
			return errors.Wrap(err, "cannot set QoS")
		}
	}

	s.changeChannel(ch)

	if s.config.OnReady != nil {
		if err := s.config.OnReady(ch); err != nil {
			_ = ch.Close()
			return errors.Wrap(err, "channel setup failed")
		}
	}

	s.setReady()
	return nil
}

// changeConnection takes a new connection to the queue,
// and updates the close listener to reflect this.
func (s *Session) changeConnection(connection *amqp.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connection = connection
	s.notifyConnClose = make(chan *amqp.Error, 1)
	s.connection.NotifyClose(s.notifyConnClose)
}

// changeChannel takes a new channel to the queue,
// and updates the channel listeners to reflect this.
func (s *Session) changeChannel(channel *amqp.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channel = channel
	s.notifyChanClose = make(chan *amqp.Error, 1)
	s.notifyConfirm = make(chan amqp.Confirmation, 1)
	s.channel.NotifyClose(s.notifyChanClose)
	s.channel.NotifyPublish(s.notifyConfirm)
}

func (s *Session) connClosed() <-chan *amqp.Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifyConnClose
}

func (s *Session) chanClosed() <-chan *amqp.Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifyChanClose
}

func (s *Session) setReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isReady {
		s.isReady = true
		close(s.ready)
	}
}

func (s *Session) setNotReady() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isReady {
		s.isReady = false
		s.ready = make(chan struct{})
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.err = err
	s.logger.Error("session stopped", "error", err)
}

// IsReady reports whether a channel is currently usable.
func (s *Session) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isReady
}

// WaitReady blocks until a channel is usable. It fails when ctx ends or the
// session stops.
func (s *Session) WaitReady(ctx context.Context) error {
	s.mu.RLock()
	ready := s.ready
	s.mu.RUnlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.err != nil {
			return s.err
		}
		return errShutdown
	}
}

// Done is closed once the session has stopped reconnecting.
func (s *Session) Done() <-chan struct{} {
	return s.stopped
}

// Channel returns the current channel. It is replaced after every
// reconnect, so callers should not hold on to it.
func (s *Session) Channel() (*amqp.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isReady {
		return nil, errNotConnected
	}
	return s.channel, nil
}

// Confirms returns the publish confirmations of the current channel.
func (s *Session) Confirms() <-chan amqp.Confirmation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.notifyConfirm
}

// UnsafePublish will push to the queue without checking for
// confirmation. It returns an error if it fails to connect.
// No guarantees are provided for whether the server will
// receive the message.
func (s *Session) UnsafePublish(exchange, routingKey string, msg amqp.Publishing) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return ch.Publish(
		exchange,   // Exchange
		routingKey, // Routing key
		false,      // Mandatory
		false,      // Immediate
		msg,
	)
}

// Close will cleanly shutdown the channel and connection.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errAlreadyClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.stopped

	s.mu.Lock()
	defer s.mu.Unlock()
	s.isReady = false

	var result *multierror.Error
	if s.channel != nil {
		if err := s.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, "cannot close channel"))
		}
	}
	if s.connection != nil {
		if err := s.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, errors.Wrap(err, "cannot close connection"))
		}
	}
	return result.ErrorOrNil()
}
