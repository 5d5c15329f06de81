package gps

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const knotsToMS = 0.514444444

type nmeaSentence struct {
	Type string
	// Fields is the comma-split NMEA payload (excluding $ and checksum).
	Fields []string
}

func parseNMEASentence(line string) (nmeaSentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return nmeaSentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return nmeaSentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return nmeaSentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return nmeaSentence{}, fmt.Errorf("nmea: bad checksum")
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return nmeaSentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	typeField := parts[0]
	if len(typeField) < 3 {
		return nmeaSentence{}, fmt.Errorf("nmea: short type")
	}
	// GNxxx, GPxxx, BDxxx all normalize to the last three letters.
	t := typeField[len(typeField)-3:]
	return nmeaSentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// nmeaDecoder assembles fixes from RMC (position, speed, date), GGA
// (quality, altitude) and GSA (2D/3D mode).
type nmeaDecoder struct {
	minMode int

	lat, lon     float64
	posOK        bool
	speedMS      *float64
	trackDeg     *float64
	altM         *float64
	quality      int
	qualityOK    bool
	satellites   *int
	hdop         *float64
	gsaMode      int
	fixTime      time.Time
	lastRMCValid bool
}

func newNMEADecoder(minMode int) *nmeaDecoder {
	if minMode < 2 {
		minMode = 2
	}
	return &nmeaDecoder{minMode: minMode}
}

func (d *nmeaDecoder) apply(nowUTC time.Time, line string) (Fix, bool, error) {
	line = strings.TrimSpace(line)
	// Some receivers interleave non-NMEA chatter.
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false, nil
	}
	sent, err := parseNMEASentence(line)
	if err != nil {
		return Fix{}, false, err
	}

	switch sent.Type {
	case "RMC":
		if !d.applyRMC(sent.Fields) {
			return Fix{}, false, nil
		}
	case "GGA":
		if !d.applyGGA(sent.Fields) {
			return Fix{}, false, nil
		}
	case "GSA":
		d.applyGSA(sent.Fields)
		return Fix{}, false, nil
	default:
		return Fix{}, false, nil
	}
	return d.fix(nowUTC)
}

func (d *nmeaDecoder) mode() int {
	if d.gsaMode > 0 {
		return d.gsaMode
	}
	if !d.qualityOK && !d.lastRMCValid {
		return 1
	}
	if d.qualityOK && d.quality == 0 {
		return 1
	}
	if d.altM != nil {
		return 3
	}
	return 2
}

func (d *nmeaDecoder) fix(nowUTC time.Time) (Fix, bool, error) {
	mode := d.mode()
	if !d.posOK || mode < d.minMode {
		return Fix{}, false, nil
	}
	f := Fix{
		Lat:        d.lat,
		Lon:        d.lon,
		Mode:       mode,
		SpeedMS:    d.speedMS,
		TrackDeg:   d.trackDeg,
		Satellites: d.satellites,
		HDOP:       d.hdop,
		Time:       nowUTC,
		ReceivedAt: nowUTC,
	}
	if !d.fixTime.IsZero() {
		f.Time = d.fixTime
	}
	if d.qualityOK {
		f.Quality = intPtr(d.quality)
	}
	if mode >= 3 {
		f.AltM = d.altM
	}
	return f, true, nil
}

// RMC: Recommended Minimum Specific GNSS Data
//
//	1: time (hhmmss.sss)
//	2: status (A=active, V=void)
//	3,4: latitude ddmm.mmmm, N/S
//	5,6: longitude dddmm.mmmm, E/W
//	7: speed over ground (knots)
//	8: course over ground (deg)
//	9: date (ddmmyy)
func (d *nmeaDecoder) applyRMC(f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		d.lastRMCValid = false
		return false
	}
	lat, latOK := parseNMEALatLon(f[3], f[4])
	lon, lonOK := parseNMEALatLon(f[5], f[6])
	if !latOK || !lonOK {
		return false
	}
	d.lat, d.lon, d.posOK = lat, lon, true
	d.lastRMCValid = true

	d.speedMS = nil
	if kt, ok := parseFloat(f[7]); ok {
		d.speedMS = floatPtr(kt * knotsToMS)
	}
	d.trackDeg = nil
	if trk, ok := parseFloat(f[8]); ok {
		d.trackDeg = floatPtr(math.Mod(trk+360.0, 360.0))
	}
	if t, ok := parseNMEADateTime(f[9], f[1]); ok {
		d.fixTime = t
	}
	return true
}

// GGA: Global Positioning System Fix Data
//
//	2,3: latitude, N/S
//	4,5: longitude, E/W
//	6: fix quality (0=invalid)
//	7: satellites in use
//	8: HDOP
//	9: altitude MSL (meters)
func (d *nmeaDecoder) applyGGA(f []string) bool {
	if len(f) < 10 {
		return false
	}
	q, err := strconv.Atoi(strings.TrimSpace(f[6]))
	if err != nil {
		return false
	}
	d.quality, d.qualityOK = q, true
	if q == 0 {
		return false
	}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		d.satellites = intPtr(sats)
	}
	if hdop, ok := parseFloat(f[8]); ok {
		d.hdop = floatPtr(hdop)
	}
	lat, latOK := parseNMEALatLon(f[2], f[3])
	lon, lonOK := parseNMEALatLon(f[4], f[5])
	if latOK && lonOK {
		d.lat, d.lon, d.posOK = lat, lon, true
	}
	d.altM = nil
	if alt, ok := parseFloat(f[9]); ok {
		d.altM = floatPtr(alt)
	}
	return d.posOK
}

// GSA field 2 is the fix type: 1 none, 2 2D, 3 3D.
func (d *nmeaDecoder) applyGSA(f []string) {
	if len(f) < 3 {
		return
	}
	if m, err := strconv.Atoi(strings.TrimSpace(f[2])); err == nil && m >= 1 && m <= 3 {
		d.gsaMode = m
	}
}

func parseNMEADateTime(date, clock string) (time.Time, bool) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if len(date) != 6 || len(clock) < 6 {
		return time.Time{}, false
	}
	dd, err1 := strconv.Atoi(date[0:2])
	mm, err2 := strconv.Atoi(date[2:4])
	yy, err3 := strconv.Atoi(date[4:6])
	h, err4 := strconv.Atoi(clock[0:2])
	mi, err5 := strconv.Atoi(clock[2:4])
	sec, err6 := strconv.ParseFloat(clock[4:], 64)
	for _, err := range []error{err1, err2, err3, err4, err5, err6} {
		if err != nil {
			return time.Time{}, false
		}
	}
	year := 2000 + yy
	if yy >= 80 {
		year = 1900 + yy
	}
	whole := int(sec)
	nanos := int(math.Round((sec - float64(whole)) * 1e9))
	return time.Date(year, time.Month(mm), dd, h, mi, whole, nanos, time.UTC), true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseNMEALatLon parses ddmm.mmmm (lat) or dddmm.mmmm (lon) plus hemisphere.
func parseNMEALatLon(v string, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	// The last two digits of the integer part are minutes.
	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + (mins / 60.0)
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
