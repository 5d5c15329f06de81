package push

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/gps"
)

func TestTagPosition(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	alt := 30.0
	good := gps.Fix{Lat: 1, Lon: 2, Mode: 3, AltM: &alt, Link: gps.LinkConnected, ReceivedAt: now.Add(-time.Second), Time: now.Add(-time.Second)}

	pos := TagPosition(good, true, now, 2*time.Second)
	require.NotNil(t, pos)
	assert.Equal(t, 1.0, pos.Lat)
	assert.Equal(t, 3, pos.Mode)
	assert.Equal(t, &alt, pos.AltM)

	cases := map[string]struct {
		fix gps.Fix
		ok  bool
	}{
		"no fix":       {good, false},
		"stale flag":   {func() gps.Fix { f := good; f.Stale = true; return f }(), true},
		"reconnecting": {func() gps.Fix { f := good; f.Link = gps.LinkReconnecting; return f }(), true},
		"lost":         {func() gps.Fix { f := good; f.Link = gps.LinkLost; return f }(), true},
		"too old":      {func() gps.Fix { f := good; f.ReceivedAt = now.Add(-3 * time.Second); return f }(), true},
		"mode 1":       {func() gps.Fix { f := good; f.Mode = 1; return f }(), true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Nil(t, TagPosition(tc.fix, tc.ok, now, 2*time.Second))
		})
	}

	// Same inputs, same answer.
	assert.Equal(t, TagPosition(good, true, now, 2*time.Second), TagPosition(good, true, now, 2*time.Second))
}

func TestParseObservation(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	o, err := parseObservation([]byte(`{"source":"wifi","bssid":"aa:bb"}`), now)
	require.NoError(t, err)
	assert.Equal(t, SourceWiFi, o.Source)
	assert.Equal(t, now, o.Time)
	assert.JSONEq(t, `{"source":"wifi","bssid":"aa:bb"}`, string(o.Data))

	o, err = parseObservation([]byte(`{"phy":"BTLE","time":"2025-06-01T11:00:00Z"}`), now)
	require.NoError(t, err)
	assert.Equal(t, SourceBluetooth, o.Source)
	assert.Equal(t, now.Add(-time.Hour), o.Time)

	_, err = parseObservation([]byte(`{"source":"zigbee"}`), now)
	assert.Error(t, err)
	_, err = parseObservation([]byte(`not json`), now)
	assert.Error(t, err)
}

func TestSourceAllowed(t *testing.T) {
	assert.True(t, sourceAllowed(config.SourcesBoth, SourceBluetooth))
	assert.True(t, sourceAllowed(config.SourcesWiFi, SourceWiFi))
	assert.False(t, sourceAllowed(config.SourcesWiFi, SourceBluetooth))
	assert.True(t, sourceAllowed(config.SourcesBluetooth, SourceBluetooth))
	assert.False(t, sourceAllowed(config.SourcesBluetooth, SourceWiFi))
}
