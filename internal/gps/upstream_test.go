package gps

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tevino/abool"
)

// scriptedPort replays canned tty reads.
type scriptedPort struct {
	reads []scriptedRead
}

type scriptedRead struct {
	data string
	err  error
}

func (p *scriptedPort) Read(b []byte) (int, error) {
	if len(p.reads) == 0 {
		return 0, io.EOF
	}
	r := p.reads[0]
	p.reads = p.reads[1:]
	return copy(b, r.data), r.err
}

func (p *scriptedPort) Close() error { return nil }

func fakeDevice(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ttyACM0")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return path
}

func TestSerialPort_ReadTimeoutIsSilence(t *testing.T) {
	sentence := nmeaLine(testRMC) + "\r\n"
	s := &serialPort{
		port: &scriptedPort{reads: []scriptedRead{
			{err: io.EOF},
			{},
			{err: io.EOF},
			{data: sentence},
		}},
		device: fakeDevice(t),
		closed: abool.New(),
	}

	buf := make([]byte, 128)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, sentence, string(buf[:n]))
}

func TestSerialPort_DataWithEOFIsDelivered(t *testing.T) {
	s := &serialPort{
		port:   &scriptedPort{reads: []scriptedRead{{data: "$GP", err: io.EOF}}},
		device: fakeDevice(t),
		closed: abool.New(),
	}
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "$GP", string(buf[:n]))
}

func TestSerialPort_UnpluggedDeviceEndsStream(t *testing.T) {
	dev := fakeDevice(t)
	s := &serialPort{
		port:   &scriptedPort{reads: []scriptedRead{{err: io.EOF}}},
		device: dev,
		closed: abool.New(),
	}
	require.NoError(t, os.Remove(dev))

	_, err := s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}

func TestSerialPort_ReadErrorEndsStream(t *testing.T) {
	eio := errors.New("read /dev/ttyACM0: input/output error")
	s := &serialPort{
		port:   &scriptedPort{reads: []scriptedRead{{err: eio}}},
		device: fakeDevice(t),
		closed: abool.New(),
	}
	_, err := s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, eio)
}

func TestSerialPort_ClosedReturnsEOF(t *testing.T) {
	s := &serialPort{
		port:   &scriptedPort{reads: []scriptedRead{{err: io.EOF}}},
		device: fakeDevice(t),
		closed: abool.New(),
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Read(make([]byte, 16))
	assert.ErrorIs(t, err, io.EOF)
}
