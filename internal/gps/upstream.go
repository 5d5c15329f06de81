package gps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/tarm/serial"
	"github.com/tevino/abool"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
)

// Upstream is where the relay gets raw receiver data from.
type Upstream interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
	newDecoder(minMode int) decoder
}

// NewUpstream builds the upstream selected by cfg.Source.
func NewUpstream(cfg config.GPSConfig) (Upstream, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Source)) {
	case "", "gpsd":
		return &GPSDUpstream{Addr: cfg.GPSDAddr}, nil
	case "nmea":
		return &SerialUpstream{Device: cfg.Device, Baud: cfg.Baud}, nil
	case "nmea_tcp":
		return &NMEATCPUpstream{Addr: cfg.NMEAAddr}, nil
	}
	return nil, fmt.Errorf("unknown gps source %q", cfg.Source)
}

// GPSDUpstream streams gpsd JSON reports.
type GPSDUpstream struct {
	Addr string
}

func (u *GPSDUpstream) Name() string { return "gpsd " + u.addr() }

func (u *GPSDUpstream) addr() string {
	if strings.TrimSpace(u.Addr) == "" {
		return gpsdDefaultAddr
	}
	return u.Addr
}

func (u *GPSDUpstream) Open(ctx context.Context) (io.ReadCloser, error) {
	conn, err := dialGPSD(ctx, u.addr())
	if err != nil {
		return nil, err
	}
	if err := gpsdWatch(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("gpsd watch failed: %w", err)
	}
	return conn, nil
}

func (u *GPSDUpstream) newDecoder(minMode int) decoder { return newGPSDDecoder(minMode) }

// NMEATCPUpstream reads raw NMEA from a TCP endpoint, e.g. a phone app or
// a network-attached receiver.
type NMEATCPUpstream struct {
	Addr string
}

func (u *NMEATCPUpstream) Name() string { return "nmea tcp " + u.Addr }

func (u *NMEATCPUpstream) Open(ctx context.Context) (io.ReadCloser, error) {
	d := &net.Dialer{Timeout: 2 * time.Second}
	return d.DialContext(ctx, "tcp", u.Addr)
}

func (u *NMEATCPUpstream) newDecoder(minMode int) decoder { return newNMEADecoder(minMode) }

// SerialUpstream reads NMEA from a USB/UART receiver. An empty Device is
// auto-detected.
type SerialUpstream struct {
	Device string
	Baud   int
}

func (u *SerialUpstream) Name() string {
	if u.Device == "" {
		return "nmea serial (auto)"
	}
	return "nmea serial " + u.Device
}

func (u *SerialUpstream) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	device := strings.TrimSpace(u.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			return nil, fmt.Errorf("gps auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	baud := u.Baud
	if baud == 0 {
		baud = 9600
	}
	p, err := serial.OpenPort(&serial.Config{Name: device, Baud: baud, ReadTimeout: 500 * time.Millisecond})
	if err != nil {
		return nil, fmt.Errorf("gps open failed device=%s baud=%d: %w", device, baud, err)
	}
	return &serialPort{port: p, device: device, closed: abool.New()}, nil
}

func (u *SerialUpstream) newDecoder(minMode int) decoder { return newNMEADecoder(minMode) }

// serialPort hides read timeouts from line scanners. A VTIME expiry comes
// back from the tty as (0, io.EOF), or (0, nil) on some platforms; both
// mean silence while the device node still exists. An unplugged receiver
// removes the node or fails the read with EIO, and a silent one is caught
// by the relay's read timeout, which closes the port.
type serialPort struct {
	port   io.ReadCloser
	device string
	closed *abool.AtomicBool
}

func (s *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := s.port.Read(b)
		if n > 0 {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return n, err
		}
		if s.closed.IsSet() {
			return 0, io.EOF
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) && s.present() {
			continue
		}
		return 0, err
	}
}

func (s *serialPort) present() bool {
	_, err := os.Stat(s.device)
	return err == nil
}

func (s *serialPort) Close() error {
	if !s.closed.SetToIf(false, true) {
		return nil
	}
	return s.port.Close()
}

func autoDetectDevice() string {
	var candidates []string
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
