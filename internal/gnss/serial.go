// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/nmea"
	"gitlab.com/postmarketOS/gnssd/internal/ubx"
	"go.bug.st/serial"
)

// SerialDialect names the command protocol used to program the
// constellation selection on a serial receiver.
type SerialDialect string

const (
	// DialectPMTK covers MediaTek MT33xx receivers, programmed with
	// proprietary PMTK sentences.
	DialectPMTK SerialDialect = "pmtk"
	// DialectUBX covers u-blox M8 receivers, programmed with binary
	// UBX-CFG-GNSS frames.
	DialectUBX SerialDialect = "ubx"
)

type SerialConfig struct {
	Path    string
	Baud    int
	Dialect SerialDialect
}

// serialPort is the subset of serial.Port the receiver needs.
type serialPort interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// openSerialPort is a variable so tests can substitute a fake port.
var openSerialPort = func(path string, baud int) (serialPort, error) {
	return serial.Open(path, &serial.Mode{BaudRate: baud})
}

// serialAckTimeout bounds how long Construct waits for the receiver to
// acknowledge a binary configuration frame.
const serialAckTimeout = 500 * time.Millisecond

// SerialReceiver drives a GNSS module attached to a serial port. The
// constellation selection is programmed once during Construct, in the
// configured dialect, and the module's NMEA output is folded into a
// navigation state by a background reader until Deinit.
type SerialReceiver struct {
	navCache

	cfg  SerialConfig
	port serialPort
	nav  navData
	stop chan struct{}
	done chan struct{}
}

func NewSerialReceiver(cfg SerialConfig) *SerialReceiver {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	if cfg.Dialect == "" {
		cfg.Dialect = DialectPMTK
	}
	return &SerialReceiver{cfg: cfg}
}

func (r *SerialReceiver) Construct(systems SatelliteSystem) (err error) {
	if r.port != nil {
		return fmt.Errorf("gnss/SerialReceiver.Construct: receiver is already running")
	}

	var cmds [][]byte
	switch r.cfg.Dialect {
	case DialectPMTK:
		cmds, err = pmtkSelectionCommands(systems)
	case DialectUBX:
		cmds, err = ubxSelectionCommands(systems)
	default:
		err = fmt.Errorf("unknown serial dialect %q", r.cfg.Dialect)
	}
	if err != nil {
		return fmt.Errorf("gnss/SerialReceiver.Construct: %w", err)
	}

	port, err := openSerialPort(r.cfg.Path, r.cfg.Baud)
	if err != nil {
		return fmt.Errorf("gnss/SerialReceiver.Construct: %w", err)
	}

	if err := sendSelection(port, cmds, r.cfg.Dialect); err != nil {
		port.Close()
		return fmt.Errorf("gnss/SerialReceiver.Construct: %w", err)
	}

	r.port = port
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.readLoop()

	return nil
}

// Update folds the navigation state accumulated by the reader into the
// receiver's property cache.
func (r *SerialReceiver) Update() error {
	if err := r.refreshFrom(&r.nav); err != nil {
		return fmt.Errorf("gnss/SerialReceiver.Update: %w", err)
	}
	return nil
}

func (r *SerialReceiver) Deinit() error {
	if r.port == nil {
		return nil
	}

	close(r.stop)
	err := r.port.Close()
	<-r.done
	r.port = nil

	if err != nil {
		return fmt.Errorf("gnss/SerialReceiver.Deinit: %w", err)
	}
	return nil
}

func (r *SerialReceiver) readLoop() {
	defer close(r.done)

	scanner := bufio.NewScanner(r.port)
	scanner.Buffer(make([]byte, 256), 4096)
	for scanner.Scan() {
		select {
		case <-r.stop:
			return
		default:
		}
		r.nav.ApplyLine(scanner.Text())
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-r.stop:
			// port closed by Deinit
		default:
			r.nav.setErr(fmt.Errorf("gnss/SerialReceiver: read %s: %w", r.cfg.Path, err))
		}
	}
}

// sendSelection writes the selection commands to the port. For the UBX
// dialect it then drains the port briefly, looking for the CFG-GNSS
// acknowledgement. A missing or negative acknowledgement is logged, not
// fatal: the receiver keeps its previous constellation set and still
// produces usable output. PMTK receivers answer with $PMTK001 sentences
// that the reader skips as chatter, so there is nothing to wait for.
func sendSelection(port serialPort, cmds [][]byte, dialect SerialDialect) error {
	for _, cmd := range cmds {
		if _, err := port.Write(cmd); err != nil {
			return fmt.Errorf("send selection: %w", err)
		}
	}

	if dialect != DialectUBX {
		return nil
	}

	if err := port.SetReadTimeout(serialAckTimeout); err != nil {
		return fmt.Errorf("send selection: %w", err)
	}
	readCfgAck(port)
	if err := port.SetReadTimeout(serial.NoTimeout); err != nil {
		return fmt.Errorf("send selection: %w", err)
	}

	return nil
}

// readCfgAck scans incoming bytes for the ACK or NAK answering a
// CFG-GNSS frame. It gives up after a read timeout or 4k of unrelated
// traffic.
func readCfgAck(port serialPort) {
	var acc []byte
	buf := make([]byte, 512)
	for len(acc) < 4096 {
		n, err := port.Read(buf)
		if err != nil || n == 0 {
			break
		}
		acc = append(acc, buf[:n]...)

		for _, frame := range ubx.Frames(acc) {
			ack, ok := ubx.ParseAck(frame)
			if !ok || ack.Class != ubx.ClassCFG || ack.ID != ubx.IDCfgGNSS {
				continue
			}
			if !ack.OK {
				log.Print("gnss/SerialReceiver: receiver rejected constellation selection")
			}
			return
		}
	}
	log.Print("gnss/SerialReceiver: no acknowledgement for constellation selection")
}

// pmtkSelectionCommands renders a constellation selection as PMTK
// sentences: PMTK353 for the core constellations, PMTK313 for SBAS and
// PMTK352 for QZSS. MT33xx firmware rejects a PMTK353 that enables
// nothing, and offers a single QZSS switch, so the L1C/A and L1S
// variants collapse into one enable.
func pmtkSelectionCommands(systems SatelliteSystem) ([][]byte, error) {
	if !systems.Has(GPS) && !systems.Has(GLONASS) {
		return nil, fmt.Errorf("pmtk selection needs gps or glonass, got %s", systems)
	}

	bit := func(on bool) string {
		if on {
			return "1"
		}
		return "0"
	}
	// PMTK352 sets a "stop QZSS" flag, so the sense is inverted.
	qzssStop := "1"
	if systems.Has(QZSSL1CA) || systems.Has(QZSSL1S) {
		qzssStop = "0"
	}

	sentences := []nmea.Sentence{
		{Type: "PMTK353", Data: []string{bit(systems.Has(GPS)), bit(systems.Has(GLONASS)), "0", "0", "0"}},
		{Type: "PMTK313", Data: []string{bit(systems.Has(SBAS))}},
		{Type: "PMTK352", Data: []string{qzssStop}},
	}

	cmds := make([][]byte, 0, len(sentences))
	for _, s := range sentences {
		cmds = append(cmds, append(s.Bytes(), '\r', '\n'))
	}
	return cmds, nil
}

// ubxSelectionCommands renders a selection as a single UBX-CFG-GNSS
// frame covering every constellation the dialect knows, enabling the
// selected ones and disabling the rest. Channel counts follow the M8
// defaults.
func ubxSelectionCommands(systems SatelliteSystem) ([][]byte, error) {
	qzss := systems.Has(QZSSL1CA) || systems.Has(QZSSL1S)

	blocks := []ubx.CfgGNSSBlock{
		{GnssID: ubx.GnssIDGPS, ResTrkCh: 8, MaxTrkCh: 16, Flags: cfgGNSSFlags(systems.Has(GPS), ubx.SigL1CA)},
		{GnssID: ubx.GnssIDSBAS, ResTrkCh: 1, MaxTrkCh: 3, Flags: cfgGNSSFlags(systems.Has(SBAS), ubx.SigL1CA)},
		{GnssID: ubx.GnssIDQZSS, ResTrkCh: 0, MaxTrkCh: 3, Flags: cfgGNSSFlags(qzss, qzssSigMask(systems))},
		{GnssID: ubx.GnssIDGLONASS, ResTrkCh: 8, MaxTrkCh: 14, Flags: cfgGNSSFlags(systems.Has(GLONASS), ubx.SigL1CA)},
	}
	return [][]byte{ubx.CfgGNSS(blocks)}, nil
}

// cfgGNSSFlags assembles a CFG-GNSS flags word from the enable bit and
// the signal configuration mask.
func cfgGNSSFlags(enable bool, sigMask uint32) uint32 {
	flags := sigMask << 16
	if enable {
		flags |= 1
	}
	return flags
}

// qzssSigMask picks the QZSS signals to track. A selection without any
// QZSS variant still names L1C/A so the disabled block stays valid.
func qzssSigMask(systems SatelliteSystem) uint32 {
	var mask uint32
	if systems.Has(QZSSL1CA) {
		mask |= ubx.SigL1CA
	}
	if systems.Has(QZSSL1S) {
		mask |= ubx.SigL1S
	}
	if mask == 0 {
		mask = ubx.SigL1CA
	}
	return mask
}
