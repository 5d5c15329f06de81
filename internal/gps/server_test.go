package gps

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerAndClient_RoundTrip(t *testing.T) {
	b := NewBroadcaster()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srvDone := make(chan error, 1)
	go func() { srvDone <- NewServer(b, zerolog.Nop()).Serve(ctx, ln) }()

	c, err := NewClient(ClientConfig{Addr: ln.Addr().String(), ReconnectDelay: 10 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)
	cliDone := make(chan error, 1)
	go func() { cliDone <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	alt := 12.0
	b.Publish(Fix{Lat: 10, Lon: 20, Mode: 3, AltM: &alt, Link: LinkConnected, ReceivedAt: time.Now()})

	require.Eventually(t, func() bool {
		f, ok := c.Latest()
		return ok && f.Lat == 10
	}, 2*time.Second, 5*time.Millisecond)

	f, _ := c.Latest()
	assert.Equal(t, LinkConnected, f.Link)
	require.NotNil(t, f.AltM)
	assert.Equal(t, 12.0, *f.AltM)
	assert.Equal(t, "connected", c.Snapshot().State)

	cancel()
	assert.NoError(t, <-srvDone)
	assert.NoError(t, <-cliDone)

	f, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, LinkLost, f.Link, "held fix is lost once the relay is gone")
}

func TestNewClient_RequiresAddr(t *testing.T) {
	_, err := NewClient(ClientConfig{}, zerolog.Nop())
	assert.Error(t, err)
}
