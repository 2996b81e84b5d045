package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"

	"github.com/r-franke/amqptls/session"
)

func TestDrain(t *testing.T) {
	confirms := make(chan amqp.Confirmation, 3)
	confirms <- amqp.Confirmation{DeliveryTag: 1}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: true}

	drain(confirms)
	assert.Len(t, confirms, 0)

	close(confirms)
	drain(confirms)
	drain(nil)
}

func TestNew_dialFails(t *testing.T) {
	errDown := errors.New("broker down")
	dial := func(context.Context) (*amqp.Connection, error) {
		return nil, errDown
	}

	config := session.DefaultConfig()
	config.Reconnect.InitialInterval = time.Millisecond
	config.Reconnect.MaxInterval = time.Millisecond
	config.Reconnect.MaxRetries = 1

	_, err := New(context.Background(), dial, "events", amqp.ExchangeTopic, config)
	assert.ErrorIs(t, err, errDown)
}
