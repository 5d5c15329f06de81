package logger

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Levels(t *testing.T) {
	l, err := New(Config{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.WarnLevel, l.GetLevel())

	l, err = New(Config{Level: "warn", Debug: true})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, l.GetLevel())

	l, err = New(Config{})
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, l.GetLevel())
}

func TestNew_BadLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}

func TestSetDebug_ReachesDerivedLoggers(t *testing.T) {
	t.Cleanup(func() { SetDebug(false) })

	SetDebug(true)
	assert.Equal(t, zerolog.DebugLevel, WithComponent("pushd").GetLevel())
	assert.Equal(t, zerolog.DebugLevel, WithAgent("push-agent", "kismet-push-a").GetLevel())

	SetDebug(false)
	assert.Equal(t, zerolog.InfoLevel, WithComponent("pushd").GetLevel())
}
