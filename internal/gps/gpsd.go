package gps

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strings"
	"time"
)

const gpsdDefaultAddr = "127.0.0.1:2947"

// dialGPSD connects to gpsd over TCP.
func dialGPSD(ctx context.Context, addr string) (net.Conn, error) {
	if strings.TrimSpace(addr) == "" {
		addr = gpsdDefaultAddr
	}
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", addr)
}

// gpsdWatch enables JSON streaming reports.
func gpsdWatch(conn net.Conn) error {
	// scaled=true yields SI units (m/s, meters) and degrees.
	_, err := conn.Write([]byte("?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"))
	return err
}

type gpsdMsgBase struct {
	Class string `json:"class"`
}

type gpsdTPV struct {
	Class string `json:"class"`
	Mode  *int   `json:"mode"`
	Time  string `json:"time"`

	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`

	Alt     *float64 `json:"alt"`
	AltHAE  *float64 `json:"altHAE"`
	AltMSL  *float64 `json:"altMSL"`
	SpeedMS *float64 `json:"speed"`
	Track   *float64 `json:"track"`
}

type gpsdSat struct {
	Used bool `json:"used"`
}

type gpsdSKY struct {
	Class      string    `json:"class"`
	HDOP       *float64  `json:"hdop"`
	Satellites []gpsdSat `json:"satellites"`
	USat       *int      `json:"uSat"`
}

// gpsdDecoder folds TPV and SKY reports into fixes. SKY data is sticky and
// rides along on the next TPV.
type gpsdDecoder struct {
	minMode int

	satsUsed int
	satsOK   bool
	hdop     float64
	hdopOK   bool
}

func newGPSDDecoder(minMode int) *gpsdDecoder {
	if minMode < 2 {
		minMode = 2
	}
	return &gpsdDecoder{minMode: minMode}
}

func (d *gpsdDecoder) apply(nowUTC time.Time, line string) (Fix, bool, error) {
	var base gpsdMsgBase
	if err := json.Unmarshal([]byte(line), &base); err != nil {
		return Fix{}, false, fmt.Errorf("gpsd json parse failed: %v", err)
	}

	switch strings.ToUpper(strings.TrimSpace(base.Class)) {
	case "TPV":
		var tpv gpsdTPV
		if err := json.Unmarshal([]byte(line), &tpv); err != nil {
			return Fix{}, false, fmt.Errorf("gpsd tpv parse failed: %v", err)
		}
		fix, ok := d.applyTPV(nowUTC, tpv)
		return fix, ok, nil
	case "SKY":
		var sky gpsdSKY
		if err := json.Unmarshal([]byte(line), &sky); err != nil {
			return Fix{}, false, fmt.Errorf("gpsd sky parse failed: %v", err)
		}
		d.applySKY(sky)
		return Fix{}, false, nil
	default:
		// VERSION, DEVICES, WATCH and friends.
		return Fix{}, false, nil
	}
}

func (d *gpsdDecoder) applyTPV(nowUTC time.Time, tpv gpsdTPV) (Fix, bool) {
	if tpv.Mode == nil || *tpv.Mode < d.minMode || tpv.Lat == nil || tpv.Lon == nil {
		return Fix{}, false
	}

	fix := Fix{
		Lat:        *tpv.Lat,
		Lon:        *tpv.Lon,
		Mode:       *tpv.Mode,
		Time:       nowUTC,
		ReceivedAt: nowUTC,
	}
	if strings.TrimSpace(tpv.Time) != "" {
		if t, err := time.Parse(time.RFC3339Nano, tpv.Time); err == nil {
			fix.Time = t.UTC()
		}
	}

	// Altitude only means something with a 3D fix.
	if fix.Mode >= 3 {
		for _, alt := range []*float64{tpv.AltMSL, tpv.Alt, tpv.AltHAE} {
			if alt != nil {
				fix.AltM = floatPtr(*alt)
				break
			}
		}
	}
	if tpv.SpeedMS != nil && !math.IsNaN(*tpv.SpeedMS) {
		fix.SpeedMS = floatPtr(*tpv.SpeedMS)
	}
	if tpv.Track != nil {
		fix.TrackDeg = floatPtr(*tpv.Track)
	}
	if d.satsOK {
		fix.Satellites = intPtr(d.satsUsed)
	}
	if d.hdopOK {
		fix.HDOP = floatPtr(d.hdop)
	}
	return fix, true
}

func (d *gpsdDecoder) applySKY(sky gpsdSKY) {
	if sky.HDOP != nil {
		d.hdop = *sky.HDOP
		d.hdopOK = true
	}
	if sky.USat != nil {
		d.satsUsed = *sky.USat
		d.satsOK = true
		return
	}
	if len(sky.Satellites) > 0 {
		used := 0
		for _, sat := range sky.Satellites {
			if sat.Used {
				used++
			}
		}
		d.satsUsed = used
		d.satsOK = true
	}
}
