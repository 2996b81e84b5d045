// Package consumer consumes from a bound queue and keeps consuming across
// reconnects.
package consumer

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/r-franke/amqptls/session"
)

type Consumer struct {
	session *session.Session
	logger  hclog.Logger

	appName      string
	queueName    string
	exchangeName string
	exchangeType string
	routingKeys  []string

	deliveries chan amqp.Delivery
	done       chan struct{}
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// New opens a session and, on every new channel, declares the exchange,
// declares and binds the queue and starts consuming. Deliveries from each
// channel are forwarded to Deliveries; they are not acknowledged.
func New(ctx context.Context, dial session.DialFunc, appName, queueName, exchangeName, exchangeType string, routingKeys []string, config session.Config) (*Consumer, error) {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}

	c := &Consumer{
		logger:       config.Logger.Named("consumer").With("queue", queueName),
		appName:      appName,
		queueName:    queueName,
		exchangeName: exchangeName,
		exchangeType: exchangeType,
		routingKeys:  routingKeys,
		deliveries:   make(chan amqp.Delivery),
		done:         make(chan struct{}),
	}

	onReady := config.OnReady
	config.OnReady = func(ch *amqp.Channel) error {
		if onReady != nil {
			if err := onReady(ch); err != nil {
				return err
			}
		}
		return c.subscribe(ch)
	}

	s, err := session.New(ctx, dial, config)
	if err != nil {
		close(c.done)
		c.wg.Wait()
		return nil, errors.Wrap(err, "cannot start consumer session")
	}
	c.session = s
	return c, nil
}

// Tag returns a fresh consumer tag of the form <app>-<uuid>.
func Tag(appName string) string {
	return fmt.Sprintf("%s-%s", appName, uuid.NewString())
}

func (c *Consumer) subscribe(ch *amqp.Channel) error {
	c.logger.Info("declaring exchange", "exchange", c.exchangeName, "type", c.exchangeType)
	if err := session.DeclareExchange(ch, c.exchangeName, c.exchangeType); err != nil {
		return err
	}

	for _, rk := range c.routingKeys {
		c.logger.Info("binding queue", "exchange", c.exchangeName, "routing_key", rk)
	}
	if err := session.DeclareAndBindQueue(ch, c.exchangeName, c.queueName, c.routingKeys); err != nil {
		return err
	}

	tag := Tag(c.appName)
	src, err := ch.Consume(
		c.queueName,
		tag,
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,   // Args
	)
	if err != nil {
		return errors.Wrapf(err, "cannot consume from %s", c.queueName)
	}
	c.logger.Info("consuming", "consumer_tag", tag)

	c.wg.Add(1)
	go c.forward(src)
	return nil
}

// forward copies deliveries of one channel until it closes.
func (c *Consumer) forward(src <-chan amqp.Delivery) {
	defer c.wg.Done()

	for d := range src {
		select {
		case c.deliveries <- d:
		case <-c.done:
			return
		}
	}
}

// Deliveries yields messages from every channel the session opens. It is
// closed by Close.
func (c *Consumer) Deliveries() <-chan amqp.Delivery {
	return c.deliveries
}

// Close stops consuming and shuts the session down.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.session.Close()
		c.wg.Wait()
		close(c.deliveries)
	})
	return err
}
