package amqptls

import (
	"context"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection and Channel are the amqp091-go types Connect hands back.
type (
	Connection = amqp.Connection
	Channel    = amqp.Channel
)

// Setup connects to url and opens a channel on the new connection.
func Setup(ctx context.Context, url string, engine Engine, opts ...Option) (*Connection, *Channel, error) {
	conn, err := Connect(ctx, url, engine, opts...)
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "cannot open channel")
	}

	return conn, ch, nil
}
