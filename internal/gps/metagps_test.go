package gps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	mu  sync.Mutex
	fix Fix
	ok  bool
}

func (s *staticSource) Latest() (Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.fix
	f.ReceivedAt = time.Now()
	return f, s.ok
}

func TestMetaGPS_URL(t *testing.T) {
	m, err := NewMetaGPS(MetaGPSConfig{Host: "kismet:2501", Name: "rig1", APIKey: "k&y"}, &staticSource{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "ws://kismet:2501/gps/meta/rig1/update.ws?KISMET=k%26y", m.URL())

	m.cfg.TLS = true
	assert.True(t, strings.HasPrefix(m.URL(), "wss://"))
}

func TestMetaGPSMessage(t *testing.T) {
	alt, spd := 100.0, 10.0
	msg := metaGPSMessage(Fix{Lat: 1, Lon: 2, Mode: 3, AltM: &alt, SpeedMS: &spd})
	assert.Equal(t, map[string]float64{"lat": 1, "lon": 2, "alt": 100, "spd": 36}, msg)

	zero := 0.0
	msg = metaGPSMessage(Fix{Lat: 1, Lon: 2, Mode: 2, AltM: &alt, SpeedMS: &zero})
	assert.Equal(t, map[string]float64{"lat": 1, "lon": 2}, msg)
}

func TestMetaGPS_SendsUpdatesAndWaitsForReply(t *testing.T) {
	got := make(chan map[string]float64, 8)
	var gotPath, gotKey string
	var mu sync.Mutex
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath, gotKey = r.URL.Path, r.URL.Query().Get("KISMET")
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]float64
			if json.Unmarshal(data, &msg) == nil {
				got <- msg
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{}`)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	src := &staticSource{fix: Fix{Lat: 45, Lon: -122, Mode: 2, Link: LinkConnected}, ok: true}
	m, err := NewMetaGPS(MetaGPSConfig{
		Host:     strings.TrimPrefix(srv.URL, "http://"),
		Name:     "rig1",
		APIKey:   "secret",
		Interval: 10 * time.Millisecond,
	}, src, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case msg := <-got:
			assert.Equal(t, map[string]float64{"lat": 45, "lon": -122}, msg)
		case <-time.After(2 * time.Second):
			t.Fatal("no update received")
		}
	}
	cancel()
	assert.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/gps/meta/rig1/update.ws", gotPath)
	assert.Equal(t, "secret", gotKey)
}

func TestMetaGPS_SkipsUnusableFixes(t *testing.T) {
	got := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err == nil {
			got <- struct{}{}
		}
	}))
	defer srv.Close()

	src := &staticSource{fix: Fix{Lat: 45, Lon: -122, Mode: 2, Link: LinkReconnecting}, ok: true}
	m, err := NewMetaGPS(MetaGPSConfig{Host: strings.TrimPrefix(srv.URL, "http://"), Name: "rig1", Interval: 5 * time.Millisecond}, src, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, m.Run(ctx))

	select {
	case <-got:
		t.Fatal("sent a fix while the link was reconnecting")
	default:
	}
}
