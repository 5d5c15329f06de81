// Package push moves wireless observations from a capture command to a
// remote collector, tagged with the relay's current position.
package push

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/gps"
)

const (
	SourceWiFi      = "wifi"
	SourceBluetooth = "bluetooth"
)

// Observation is one NDJSON line from the capture command. Data keeps the
// line verbatim so collectors see exactly what the capture tool emitted.
type Observation struct {
	Source string          `json:"source"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data"`
}

// Record is a queued observation. Seq is assigned at enqueue time and never
// reused, so a batch can be committed by sequence even after drops.
type Record struct {
	Seq uint64 `json:"seq"`
	Observation
}

type Position struct {
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	AltM    *float64  `json:"alt_m,omitempty"`
	SpeedMS *float64  `json:"speed_ms,omitempty"`
	Mode    int       `json:"mode"`
	FixTime time.Time `json:"fix_time"`
}

// Batch is the unit sent to a sink. Position is nil when no usable fix was
// available for the flush cycle that built it.
type Batch struct {
	ID        string    `json:"id"`
	Agent     string    `json:"agent"`
	Sensor    string    `json:"sensor"`
	CreatedAt time.Time `json:"created_at"`
	Position  *Position `json:"position"`
	Records   []Record  `json:"records"`
}

// TagPosition turns the latest fix into a batch position, or nil when the
// fix is missing, flagged stale, from a link that is not connected, weaker
// than 2D, or older than maxAge.
func TagPosition(fix gps.Fix, ok bool, now time.Time, maxAge time.Duration) *Position {
	if !ok || !fix.Usable(now, maxAge) {
		return nil
	}
	return &Position{
		Lat:     fix.Lat,
		Lon:     fix.Lon,
		AltM:    fix.AltM,
		SpeedMS: fix.SpeedMS,
		Mode:    fix.Mode,
		FixTime: fix.Time,
	}
}

type observationHeader struct {
	Source string     `json:"source"`
	Type   string     `json:"type"`
	Phy    string     `json:"phy"`
	Time   *time.Time `json:"time"`
}

// parseObservation decodes one capture line. The source comes from the
// "source", "type" or "phy" field in that order.
func parseObservation(line []byte, now time.Time) (Observation, error) {
	var h observationHeader
	if err := json.Unmarshal(line, &h); err != nil {
		return Observation{}, fmt.Errorf("capture line: %w", err)
	}
	src := ""
	for _, v := range []string{h.Source, h.Type, h.Phy} {
		if src = normalizeSource(v); src != "" {
			break
		}
	}
	if src == "" {
		return Observation{}, fmt.Errorf("capture line: unknown source")
	}
	obs := Observation{
		Source: src,
		Time:   now.UTC(),
		Data:   append(json.RawMessage(nil), line...),
	}
	if h.Time != nil && !h.Time.IsZero() {
		obs.Time = h.Time.UTC()
	}
	return obs, nil
}

func normalizeSource(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "wifi", "wi-fi", "802.11", "ieee802.11", "dot11":
		return SourceWiFi
	case "bluetooth", "bt", "btle", "ble":
		return SourceBluetooth
	}
	return ""
}

// sourceAllowed applies the descriptor's sources setting.
func sourceAllowed(sources, src string) bool {
	switch sources {
	case config.SourcesBoth, "":
		return true
	case config.SourcesWiFi:
		return src == SourceWiFi
	case config.SourcesBluetooth:
		return src == SourceBluetooth
	}
	return false
}
