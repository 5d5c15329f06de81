package gps

import (
	"errors"
	"time"
)

// LinkStatus describes the relay's connection to its upstream receiver as
// seen by consumers of a Fix.
type LinkStatus string

const (
	LinkConnected    LinkStatus = "connected"
	LinkReconnecting LinkStatus = "reconnecting"
	LinkLost         LinkStatus = "lost"
)

var ErrLinkLost = errors.New("gps link lost")

// Fix is one position report. The relay keeps the last good one around
// after the link drops and marks it Stale once it is too old to trust.
type Fix struct {
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	AltM       *float64   `json:"alt_m,omitempty"`
	SpeedMS    *float64   `json:"speed_ms,omitempty"`
	TrackDeg   *float64   `json:"track_deg,omitempty"`
	Mode       int        `json:"mode"`
	Quality    *int       `json:"quality,omitempty"`
	Satellites *int       `json:"satellites,omitempty"`
	HDOP       *float64   `json:"hdop,omitempty"`
	Time       time.Time  `json:"time"`
	ReceivedAt time.Time  `json:"received_at"`
	Link       LinkStatus `json:"link"`
	Stale      bool       `json:"stale"`
}

// Age is how long ago the fix was received.
func (f Fix) Age(now time.Time) time.Duration {
	return now.Sub(f.ReceivedAt)
}

// Usable reports whether f can still be attached to observations.
func (f Fix) Usable(now time.Time, maxAge time.Duration) bool {
	if f.Stale || f.Link != LinkConnected || f.Mode < 2 {
		return false
	}
	if f.ReceivedAt.IsZero() {
		return false
	}
	return maxAge <= 0 || f.Age(now) <= maxAge
}

// decoder turns upstream lines into fixes. It returns ok only when the line
// completed a fix with at least a 2D position.
type decoder interface {
	apply(nowUTC time.Time, line string) (fix Fix, ok bool, err error)
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
