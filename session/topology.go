package session

import (
	"strings"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DeclareExchange declares a durable exchange on ch.
func DeclareExchange(ch *amqp.Channel, exchangeName, exchangeType string) error {
	err := ch.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,  // Durable
		false, // Auto-deleted
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	)
	return errors.Wrapf(err, "cannot declare exchange %s", exchangeName)
}

// DeclareAndBindQueue declares a durable queue and binds it to
// exchangeName once per routing key. Queues with "-dev-" in their name are
// deleted when unused.
func DeclareAndBindQueue(ch *amqp.Channel, exchangeName, queueName string, routingKeys []string) error {
	_, err := ch.QueueDeclare(
		queueName,
		true,                                 // Durable
		strings.Contains(queueName, "-dev-"), // Delete when unused
		false,                                // Exclusive
		false,                                // No-wait
		nil,                                  // Arguments
	)
	if err != nil {
		return errors.Wrapf(err, "cannot declare queue %s", queueName)
	}

	for _, rk := range routingKeys {
		if err := ch.QueueBind(queueName, rk, exchangeName, false, nil); err != nil {
			return errors.Wrapf(err, "cannot bind queue %s to %s with key %s", queueName, exchangeName, rk)
		}
	}
	return nil
}

// CreateAndBindQueue declares the exchange and the queue and binds them.
func (s *Session) CreateAndBindQueue(exchangeName, exchangeType, queueName string, routingKeys []string) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}

	s.logger.Info("declaring exchange", "exchange", exchangeName, "type", exchangeType)
	if err := DeclareExchange(ch, exchangeName, exchangeType); err != nil {
		return err
	}

	s.logger.Info("declaring queue", "queue", queueName, "routing_keys", routingKeys)
	return DeclareAndBindQueue(ch, exchangeName, queueName, routingKeys)
}

// UnbindQueue removes the binding of queueName to exchange for key.
func (s *Session) UnbindQueue(queueName, key, exchange string) error {
	ch, err := s.Channel()
	if err != nil {
		return err
	}
	return errors.Wrapf(ch.QueueUnbind(queueName, key, exchange, amqp.Table{}),
		"cannot unbind queue %s from %s", queueName, exchange)
}
