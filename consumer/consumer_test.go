package consumer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r-franke/amqptls/session"
)

func TestTag(t *testing.T) {
	tag := Tag("billing")

	require.True(t, strings.HasPrefix(tag, "billing-"))
	_, err := uuid.Parse(strings.TrimPrefix(tag, "billing-"))
	assert.NoError(t, err)
	assert.NotEqual(t, tag, Tag("billing"))
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

	_, err := New(context.Background(), dial, "app", "app-dev-queue", "events", amqp.ExchangeTopic, []string{"a.#"}, config)
	assert.ErrorIs(t, err, errDown)
}
