// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/ubx"
	"go.bug.st/serial"
)

// fakePort scripts the receiver side of a serial conversation: reads
// drain a canned stream, writes are recorded. Once the stream is
// exhausted a read blocks until Close unless a read timeout is set, in
// which case it returns 0 bytes like a real timed-out port.
type fakePort struct {
	mu       sync.Mutex
	wrote    bytes.Buffer
	stream   *bytes.Reader
	timed    bool
	timeouts []time.Duration
	failRead bool
	closed   chan struct{}
}

func newFakePort(stream []byte) *fakePort {
	return &fakePort{
		stream: bytes.NewReader(stream),
		closed: make(chan struct{}),
	}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	n, _ := p.stream.Read(b)
	timed := p.timed
	failRead := p.failRead
	p.mu.Unlock()

	if n > 0 {
		return n, nil
	}
	if failRead {
		return 0, errors.New("input/output error")
	}
	if timed {
		return 0, nil // read timeout
	}
	<-p.closed
	return 0, errors.New("port closed")
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.Write(b)
}

func (p *fakePort) Close() error {
	select {
	case <-p.closed:
	default:
		close(p.closed)
	}
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timed = t != serial.NoTimeout
	p.timeouts = append(p.timeouts, t)
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wrote.String()
}

// installFakePort points openSerialPort at p for the duration of the
// test and returns a counter of how often it was called.
func installFakePort(t *testing.T, p *fakePort) *int {
	t.Helper()
	opens := 0
	orig := openSerialPort
	openSerialPort = func(path string, baud int) (serialPort, error) {
		opens++
		return p, nil
	}
	t.Cleanup(func() { openSerialPort = orig })
	return &opens
}

func TestPMTKSelectionCommands(t *testing.T) {
	tests := []struct {
		systems SatelliteSystem
		want    []string
	}{
		{GPS | GLONASS, []string{
			"$PMTK353,1,1,0,0,0*2B\r\n",
			"$PMTK313,0*2F\r\n",
			"$PMTK352,1*2B\r\n",
		}},
		{GPS | SBAS | QZSSL1CA, []string{
			"$PMTK353,1,0,0,0,0*2A\r\n",
			"$PMTK313,1*2E\r\n",
			"$PMTK352,0*2A\r\n",
		}},
		{GLONASS | QZSSL1S, []string{
			"$PMTK353,0,1,0,0,0*2A\r\n",
			"$PMTK313,0*2F\r\n",
			"$PMTK352,0*2A\r\n",
		}},
	}
	for _, test := range tests {
		cmds, err := pmtkSelectionCommands(test.systems)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", test.systems, err)
		}
		if len(cmds) != len(test.want) {
			t.Fatalf("%s: expected %d commands, got %d", test.systems, len(test.want), len(cmds))
		}
		for i, want := range test.want {
			if got := string(cmds[i]); got != want {
				t.Errorf("%s: command %d: expected %q, got %q", test.systems, i, want, got)
			}
		}
	}
}

func TestPMTKSelectionNeedsConstellation(t *testing.T) {
	for _, systems := range []SatelliteSystem{SBAS, QZSSL1CA, SBAS | QZSSL1S} {
		if _, err := pmtkSelectionCommands(systems); err == nil {
			t.Errorf("%s: expected an error", systems)
		}
	}
}

func TestUBXSelectionCommands(t *testing.T) {
	cmds, err := ubxSelectionCommands(GPS | QZSSL1CA | QZSSL1S)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(cmds))
	}

	frame := cmds[0]
	if frame[2] != ubx.ClassCFG || frame[3] != ubx.IDCfgGNSS {
		t.Fatalf("expected a CFG-GNSS frame, got class %#x id %#x", frame[2], frame[3])
	}
	if !ubx.VerifyChecksum(frame) {
		t.Fatal("frame checksum does not verify")
	}

	payload := frame[6 : len(frame)-2]
	if len(payload) != 4+4*8 {
		t.Fatalf("expected 4 config blocks, payload is %d bytes", len(payload))
	}

	type blockCheck struct {
		name    string
		gnssID  byte
		enabled bool
		sigMask byte
	}
	checks := []blockCheck{
		{"gps", ubx.GnssIDGPS, true, 0x01},
		{"sbas", ubx.GnssIDSBAS, false, 0x01},
		{"qzss", ubx.GnssIDQZSS, true, 0x05},
		{"glonass", ubx.GnssIDGLONASS, false, 0x01},
	}
	for i, c := range checks {
		block := payload[4+i*8 : 4+(i+1)*8]
		if block[0] != c.gnssID {
			t.Errorf("%s: expected gnssId %d, got %d", c.name, c.gnssID, block[0])
		}
		if got := block[4]&1 == 1; got != c.enabled {
			t.Errorf("%s: expected enabled=%v, got %v", c.name, c.enabled, got)
		}
		if block[6] != c.sigMask {
			t.Errorf("%s: expected sigCfgMask %#x, got %#x", c.name, c.sigMask, block[6])
		}
	}
}

func TestSerialConstructPMTK(t *testing.T) {
	stream := []byte(
		nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230825,003.1,W") + "\r\n" +
			nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,") + "\r\n")
	p := newFakePort(stream)
	opens := installFakePort(t, p)

	r := NewSerialReceiver(SerialConfig{Path: "/dev/ttyUSB0", Baud: 115200})
	if err := r.Construct(GPS | GLONASS); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *opens != 1 {
		t.Fatalf("expected 1 port open, got %d", *opens)
	}

	wrote := p.written()
	for _, cmd := range []string{"$PMTK353,1,1,0,0,0*2B\r\n", "$PMTK313,0*2F\r\n", "$PMTK352,1*2B\r\n"} {
		if !strings.Contains(wrote, cmd) {
			t.Errorf("expected %q to be sent, wrote %q", cmd, wrote)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := r.Update(); err != nil {
			t.Fatalf("update: %v", err)
		}
		if r.Latitude() != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reader never delivered a position")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if r.Fix() == FixInvalid {
		t.Error("expected a fix after valid sentences")
	}

	if err := r.Deinit(); err != nil {
		t.Fatalf("deinit: %v", err)
	}
	if err := r.Deinit(); err != nil {
		t.Fatalf("second deinit: %v", err)
	}
}

func TestSerialConstructUBX(t *testing.T) {
	ack := ubx.Encode(ubx.ClassACK, ubx.IDAckAck, []byte{ubx.ClassCFG, ubx.IDCfgGNSS})
	stream := append([]byte("$GPTXT,01,01,02,u-blox ag - www.u-blox.com*50\r\n"), ack...)
	p := newFakePort(stream)
	installFakePort(t, p)

	r := NewSerialReceiver(SerialConfig{Path: "/dev/ttyACM0", Baud: 9600, Dialect: DialectUBX})
	if err := r.Construct(GLONASS); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Deinit()

	wrote := []byte(p.written())
	if !bytes.HasPrefix(wrote, []byte{ubx.Sync1, ubx.Sync2, ubx.ClassCFG, ubx.IDCfgGNSS}) {
		t.Errorf("expected a CFG-GNSS frame first, wrote % X", wrote)
	}

	p.mu.Lock()
	timeouts := append([]time.Duration(nil), p.timeouts...)
	p.mu.Unlock()
	if len(timeouts) != 2 || timeouts[0] != serialAckTimeout || timeouts[1] != serial.NoTimeout {
		t.Errorf("expected ack timeout then no timeout, got %v", timeouts)
	}
}

func TestSerialConstructRejectsBadSelection(t *testing.T) {
	p := newFakePort(nil)
	opens := installFakePort(t, p)

	r := NewSerialReceiver(SerialConfig{Path: "/dev/ttyUSB0"})
	if err := r.Construct(SBAS); err == nil {
		t.Fatal("expected an error for an SBAS-only selection")
	}
	if *opens != 0 {
		t.Errorf("port should not be opened for a rejected selection, got %d opens", *opens)
	}
}

func TestSerialConstructUnknownDialect(t *testing.T) {
	p := newFakePort(nil)
	opens := installFakePort(t, p)

	r := NewSerialReceiver(SerialConfig{Path: "/dev/ttyUSB0", Dialect: "sirf"})
	err := r.Construct(GPS)
	if err == nil || !strings.Contains(err.Error(), "unknown serial dialect") {
		t.Fatalf("expected an unknown dialect error, got %v", err)
	}
	if *opens != 0 {
		t.Errorf("port should not be opened for an unknown dialect, got %d opens", *opens)
	}
}

func TestSerialUpdateSurfacesReadError(t *testing.T) {
	p := newFakePort([]byte(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230825,003.1,W") + "\r\n"))
	p.failRead = true
	installFakePort(t, p)

	r := NewSerialReceiver(SerialConfig{Path: "/dev/ttyUSB0"})
	if err := r.Construct(GPS); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r.Deinit()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := r.Update(); err != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("update never surfaced the read error")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
