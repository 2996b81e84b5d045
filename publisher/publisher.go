// Package publisher publishes to an exchange with publisher confirms,
// re-sending until the broker acknowledges.
package publisher

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r-franke/amqptls/session"
)

const (
	defaultResendDelay = 5 * time.Second
	defaultContentType = "application/json"
)

var errShutdown = errors.New("session is shutting down")

type Publisher struct {
	session *session.Session
	logger  hclog.Logger

	// publishing is serialised so each confirm belongs to the last publish.
	mu sync.Mutex

	ExchangeName string
	ExchangeType string
	ContentType  string
	ResendDelay  time.Duration
}

// New opens a session and declares the exchange on every new channel.
func New(ctx context.Context, dial session.DialFunc, exchangeName, exchangeType string, config session.Config) (*Publisher, error) {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	logger := config.Logger.Named("publisher").With("exchange", exchangeName)

	onReady := config.OnReady
	config.OnReady = func(ch *amqp.Channel) error {
		if onReady != nil {
			if err := onReady(ch); err != nil {
				return err
			}
		}
		logger.Info("declaring exchange", "type", exchangeType)
		return session.DeclareExchange(ch, exchangeName, exchangeType)
	}

	s, err := session.New(ctx, dial, config)
	if err != nil {
		return nil, errors.Wrap(err, "cannot start publisher session")
	}

	return &Publisher{
		session:      s,
		logger:       logger,
		ExchangeName: exchangeName,
		ExchangeType: exchangeType,
		ContentType:  defaultContentType,
		ResendDelay:  defaultResendDelay,
	}, nil
}

// Publish will push data onto the exchange, and wait for a confirm.
// If no confirm is received within ResendDelay, or the broker nacks,
// the message is sent again. It blocks until the broker confirms,
// ctx ends or the session stops.
func (p *Publisher) Publish(ctx context.Context, routingKey string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := p.session.WaitReady(ctx); err != nil {
			return err
		}

		confirms := p.session.Confirms()
		drain(confirms)

		err := p.UnsafePublish(routingKey, data)
		if err != nil {
			p.logger.Error("publish failed, retrying", "routing_key", routingKey, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.session.Done():
				return errShutdown
			case <-time.After(p.ResendDelay):
			}
			continue
		}

		select {
		case confirm, ok := <-confirms:
			if ok && confirm.Ack {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-p.session.Done():
			return errShutdown
		case <-time.After(p.ResendDelay):
		}
		p.logger.Info("publish didn't confirm, retrying", "routing_key", routingKey)
	}
}

// UnsafePublish will push to the exchange without waiting for a
// confirm. No guarantees are provided for whether the server will
// receive the message.
func (p *Publisher) UnsafePublish(routingKey string, data []byte) error {
	return p.session.UnsafePublish(p.ExchangeName, routingKey, amqp.Publishing{
		ContentType:  p.ContentType,
		DeliveryMode: amqp.Persistent,
		Body:         data,
	})
}

// Close shuts the session down.
func (p *Publisher) Close() error {
	return p.session.Close()
}

// drain discards confirms left over from publishes that timed out.
func drain(confirms <-chan amqp.Confirmation) {
	for {
		select {
		case _, ok := <-confirms:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
