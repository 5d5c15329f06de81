package gps

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

const (
	testRMC = "GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W"
	testGGA = "GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
)

func TestParseNMEASentence_ChecksumOK(t *testing.T) {
	s, err := parseNMEASentence(nmeaLine(testRMC))
	require.NoError(t, err)
	assert.Equal(t, "RMC", s.Type)
}

func TestParseNMEASentence_ChecksumMismatch(t *testing.T) {
	good := nmeaLine(testRMC)
	_, err := parseNMEASentence(good[:len(good)-2] + "00")
	assert.Error(t, err)
}

func TestNMEADecoder_RMCProduces2DFix(t *testing.T) {
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newNMEADecoder(2)
	fix, ok, err := d.apply(now, nmeaLine(testRMC))
	require.NoError(t, err)
	require.True(t, ok)

	assert.InDelta(t, 48.1173, fix.Lat, 1e-4)
	assert.InDelta(t, 11.5167, fix.Lon, 1e-4)
	assert.Equal(t, 2, fix.Mode)
	assert.Nil(t, fix.AltM)
	require.NotNil(t, fix.SpeedMS)
	assert.InDelta(t, 22.4*knotsToMS, *fix.SpeedMS, 1e-6)
	require.NotNil(t, fix.TrackDeg)
	assert.InDelta(t, 84.4, *fix.TrackDeg, 1e-9)
	assert.Equal(t, time.Date(1994, 3, 23, 12, 35, 19, 0, time.UTC), fix.Time)
	assert.Equal(t, now, fix.ReceivedAt)
}

func TestNMEADecoder_GGAAddsAltitudeAndQuality(t *testing.T) {
	d := newNMEADecoder(2)
	now := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	fix, ok, err := d.apply(now, nmeaLine(testGGA))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, 3, fix.Mode)
	require.NotNil(t, fix.AltM)
	assert.InDelta(t, 545.4, *fix.AltM, 1e-9)
	require.NotNil(t, fix.Quality)
	assert.Equal(t, 1, *fix.Quality)
	require.NotNil(t, fix.Satellites)
	assert.Equal(t, 8, *fix.Satellites)
	require.NotNil(t, fix.HDOP)
	assert.InDelta(t, 0.9, *fix.HDOP, 1e-6)
}

func TestNMEADecoder_GSAModeWins(t *testing.T) {
	d := newNMEADecoder(2)
	now := time.Now().UTC()
	_, ok, err := d.apply(now, nmeaLine("GPGSA,A,2,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"))
	require.NoError(t, err)
	assert.False(t, ok)

	fix, ok, err := d.apply(now, nmeaLine(testGGA))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, fix.Mode)
	assert.Nil(t, fix.AltM, "altitude is dropped on a 2D fix")
}

func TestNMEADecoder_MinMode3SkipsRMCOnly(t *testing.T) {
	_, ok, err := newNMEADecoder(3).apply(time.Now().UTC(), nmeaLine(testRMC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNMEADecoder_IgnoresVoidAndNoise(t *testing.T) {
	d := newNMEADecoder(2)
	now := time.Now().UTC()

	_, ok, err := d.apply(now, nmeaLine("GPRMC,123519,V,,,,,,,230394,,"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = d.apply(now, nmeaLine("GPGGA,123519,,,,,0,00,,,M,,M,,"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = d.apply(now, "u-blox boot banner")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestParseNMEALatLon(t *testing.T) {
	v, ok := parseNMEALatLon("4807.038", "S")
	require.True(t, ok)
	assert.InDelta(t, -48.1173, v, 1e-4)

	_, ok = parseNMEALatLon("4807.038", "X")
	assert.False(t, ok)
	_, ok = parseNMEALatLon("12", "N")
	assert.False(t, ok)
}
