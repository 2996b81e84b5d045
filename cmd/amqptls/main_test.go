package main

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r-franke/amqptls"
	"github.com/r-franke/amqptls/gotls"
)

func setTarget(t *testing.T, rawURI, engine string) {
	t.Helper()
	oldURI, oldEngine, oldFromEnv := uri, engineName, fromEnv
	t.Cleanup(func() { uri, engineName, fromEnv = oldURI, oldEngine, oldFromEnv })

	uri, engineName, fromEnv = rawURI, engine, false
}

func TestLoadTarget_plainNeedsNoEngine(t *testing.T) {
	setTarget(t, "amqp://localhost", "not-registered")

	engine, err := loadTarget()
	require.NoError(t, err)
	assert.Nil(t, engine)
}

func TestLoadTarget_secureBuildsEngine(t *testing.T) {
	setTarget(t, "amqps://localhost", gotls.Name)

	engine, err := loadTarget()
	require.NoError(t, err)
	assert.Equal(t, gotls.Name, engine.Name())

	setTarget(t, "amqps://localhost", "not-registered")
	_, err = loadTarget()
	assert.Error(t, err)
}

func TestLoadTarget_invalidURI(t *testing.T) {
	setTarget(t, "amqp://host:port", gotls.Name)

	_, err := loadTarget()

	var e *amqptls.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, amqptls.OpParse, e.Op)
}

func TestLoadTarget_missingURI(t *testing.T) {
	setTarget(t, "", gotls.Name)

	_, err := loadTarget()
	assert.Error(t, err)
}
