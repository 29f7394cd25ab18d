// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/nmea"
	"gitlab.com/postmarketOS/gnssd/internal/observability"
	"go.bug.st/serial"
)

const (
	// stmCmdTimeout bounds the gap between lines while a command
	// exchange is in flight, on transports that can time out reads.
	stmCmdTimeout = 500 * time.Millisecond
	// stmCmdLineCap bounds how many lines an exchange may produce
	// before the command echo, so a wedged module cannot hang us.
	stmCmdLineCap = 200
	// stmBootLineCap bounds how many lines to scan for the boot banner.
	stmBootLineCap = 100
)

// StmConfig locates an STM Teseo module. With Kernel set, Path names a
// gnss subsystem character device (/dev/gnssN) that powers the module
// up when opened; otherwise Path is a plain serial port.
type StmConfig struct {
	Path   string
	Baud   int
	Kernel bool
}

// StmReceiver drives an STM Teseo module (LIV3F and friends). Construct
// programs the constellation mask through the module's PSTM command set
// and then streams its NMEA output. The maintenance methods expect the
// receiver to be powered down and open their own short-lived session.
type StmReceiver struct {
	navCache

	cfg  StmConfig
	sess *stmSession
	nav  navData
	stop chan struct{}
	done chan struct{}
}

func NewStmReceiver(cfg StmConfig) *StmReceiver {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	return &StmReceiver{cfg: cfg}
}

// teseoConstellationMask folds a selection into the Teseo CDB-201
// constellation mask: bit 0 GPS, bit 1 GLONASS, bit 2 QZSS. The module
// has no per-signal QZSS switch, so both QZSS variants collapse into
// bit 2. SBAS is a separate subsystem on this module and cannot be
// chosen through the constellation mask.
func teseoConstellationMask(systems SatelliteSystem) (uint32, error) {
	if systems.Has(SBAS) {
		return 0, fmt.Errorf("sbas is not selectable on a teseo module")
	}

	var mask uint32
	if systems.Has(GPS) {
		mask |= 1 << 0
	}
	if systems.Has(GLONASS) {
		mask |= 1 << 1
	}
	if systems.Has(QZSSL1CA) || systems.Has(QZSSL1S) {
		mask |= 1 << 2
	}
	if mask == 0 {
		return 0, fmt.Errorf("empty constellation selection")
	}
	return mask, nil
}

func (r *StmReceiver) Construct(systems SatelliteSystem) (err error) {
	if r.sess != nil {
		return fmt.Errorf("gnss/StmReceiver.Construct: receiver is already running")
	}

	mask, err := teseoConstellationMask(systems)
	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.Construct: %w", err)
	}

	sess, err := openStmSession(r.cfg)
	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.Construct: %w", err)
	}

	if err = selectConstellations(sess, mask); err != nil {
		sess.conn.Close()
		return fmt.Errorf("gnss/StmReceiver.Construct: %w", err)
	}

	r.sess = sess
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.readLoop()

	return nil
}

// selectConstellations pauses the positioning engine, applies the
// constellation mask and restarts the engine. The mask takes effect on
// the restart without a full module reset.
func selectConstellations(sess *stmSession, mask uint32) (err error) {
	sess.conn.cmdMode(true)
	defer sess.conn.cmdMode(false)

	if err = sess.pause(); err != nil {
		return
	}
	defer func() {
		if rerr := sess.resume(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	cmd := nmea.Sentence{Type: "PSTMSETCONSTMASK", Data: []string{strconv.Itoa(int(mask))}}.String()
	out, err := sess.sendCmd(cmd, true)
	if err != nil {
		return
	}
	for _, l := range out {
		if strings.Contains(l, "PSTMSETCONSTMASKERROR") {
			return fmt.Errorf("module rejected constellation mask %#x", mask)
		}
	}
	return nil
}

// Update folds the navigation state accumulated by the reader into the
// receiver's property cache.
func (r *StmReceiver) Update() error {
	if err := r.refreshFrom(&r.nav); err != nil {
		return fmt.Errorf("gnss/StmReceiver.Update: %w", err)
	}
	return nil
}

func (r *StmReceiver) Deinit() error {
	if r.sess == nil {
		return nil
	}

	close(r.stop)
	err := r.sess.conn.Close()
	<-r.done
	r.sess = nil

	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.Deinit: %w", err)
	}
	return nil
}

func (r *StmReceiver) readLoop() {
	defer close(r.done)

	for r.sess.scanner.Scan() {
		select {
		case <-r.stop:
			return
		default:
		}
		r.nav.ApplyLine(r.sess.scanner.Text())
	}

	if err := r.sess.scanner.Err(); err != nil {
		select {
		case <-r.stop:
			// device closed by Deinit
		default:
			r.nav.setErr(fmt.Errorf("gnss/StmReceiver: read %s: %w", r.cfg.Path, err))
		}
	}
}

// SaveAssist dumps the module's ephemerides and almanac into dir, one
// file per table, so a later LoadAssist can cut the time to first fix.
// The receiver must not be running.
func (r *StmReceiver) SaveAssist(dir string) (err error) {
	if r.sess != nil {
		return fmt.Errorf("gnss/StmReceiver.SaveAssist: receiver is running")
	}

	sess, err := openStmSession(r.cfg)
	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.SaveAssist: %w", err)
	}
	defer sess.conn.Close()
	sess.conn.cmdMode(true)

	if err = os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("gnss/StmReceiver.SaveAssist: %w", err)
	}

	if err = sess.pause(); err != nil {
		return fmt.Errorf("gnss/StmReceiver.SaveAssist: %w", err)
	}
	defer sess.resume()

	if err = sess.dumpTable("ephemerides", "PSTMDUMPEPHEMS", "$PSTMEPHEM,", filepath.Join(dir, "ephemerides.txt")); err != nil {
		return fmt.Errorf("gnss/StmReceiver.SaveAssist: %w", err)
	}
	if err = sess.dumpTable("almanac", "PSTMDUMPALMANAC", "$PSTMALMANAC,", filepath.Join(dir, "almanac.txt")); err != nil {
		return fmt.Errorf("gnss/StmReceiver.SaveAssist: %w", err)
	}

	observability.AssistOps.Inc()
	return nil
}

// LoadAssist replays assistance files written by SaveAssist back into
// the module. The receiver must not be running.
func (r *StmReceiver) LoadAssist(dir string) (err error) {
	if r.sess != nil {
		return fmt.Errorf("gnss/StmReceiver.LoadAssist: receiver is running")
	}

	sess, err := openStmSession(r.cfg)
	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.LoadAssist: %w", err)
	}
	defer sess.conn.Close()
	sess.conn.cmdMode(true)

	if err = sess.pause(); err != nil {
		return fmt.Errorf("gnss/StmReceiver.LoadAssist: %w", err)
	}
	defer sess.resume()

	for _, name := range []string{"ephemerides.txt", "almanac.txt"} {
		if err = sess.loadTable(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("gnss/StmReceiver.LoadAssist: %w", err)
		}
	}

	observability.AssistOps.Inc()
	return nil
}

// GetParam reads one configuration data block parameter. IDs combine
// the bank digit with the CDB number the way the Teseo software manual
// writes them, e.g. 1201 reads CDB-201 from the active bank.
func (r *StmReceiver) GetParam(cdbID int) (val uint64, err error) {
	sess, err := openStmSession(r.cfg)
	if err != nil {
		err = fmt.Errorf("gnss/StmReceiver.GetParam: %w", err)
		return
	}
	defer sess.conn.Close()
	sess.conn.cmdMode(true)

	if err = sess.pause(); err != nil {
		err = fmt.Errorf("gnss/StmReceiver.GetParam: %w", err)
		return
	}
	defer sess.resume()

	out, err := sess.sendCmd(nmea.Sentence{Type: "PSTMGETPAR", Data: []string{strconv.Itoa(cdbID)}}.String(), true)
	if err != nil {
		err = fmt.Errorf("gnss/StmReceiver.GetParam: %w", err)
		return
	}

	for _, l := range out {
		if strings.Contains(l, "PSTMGETPARERROR") {
			err = fmt.Errorf("gnss/StmReceiver.GetParam: module returned PSTMGETPARERROR")
			return
		}
		if !strings.Contains(l, fmt.Sprintf("PSTMSETPAR,%d", cdbID)) {
			continue
		}
		fields := strings.Split(strings.Split(l, "*")[0], ",")
		if len(fields) < 3 {
			err = fmt.Errorf("gnss/StmReceiver.GetParam: short response %q", l)
			return
		}
		if val, err = parseTeseoValue(fields[2]); err != nil {
			err = fmt.Errorf("gnss/StmReceiver.GetParam: %w", err)
		}
		return
	}
	err = fmt.Errorf("gnss/StmReceiver.GetParam: no response from module")
	return
}

// parseTeseoValue copes with the module answering in whichever notation
// it feels like: decimal, hex with a 0x prefix, or scientific notation
// for large values.
func parseTeseoValue(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	f, _, err := big.ParseFloat(s, 10, 0, big.ToNearestEven)
	if err != nil {
		return 0, fmt.Errorf("unparseable value %q", s)
	}
	v, _ := f.Uint64()
	return v, nil
}

// SetParam writes value into a configuration data block and makes it
// stick: the parameter is saved to NVM and the module is reset, so the
// session ends on success. See the Teseo software manual for the CDB
// IDs and their encodings.
func (r *StmReceiver) SetParam(cdbID int, value uint64) (err error) {
	sess, err := openStmSession(r.cfg)
	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.SetParam: %w", err)
	}
	defer sess.conn.Close()
	sess.conn.cmdMode(true)

	if err = sess.pause(); err != nil {
		return fmt.Errorf("gnss/StmReceiver.SetParam: %w", err)
	}
	// resume only on error, the success path resets the module

	cmd := nmea.Sentence{
		Type: "PSTMSETPAR",
		Data: []string{
			// bank 3 writes the parameter to both RAM and NVM images
			fmt.Sprintf("3%d", cdbID),
			fmt.Sprintf("0x%08x", value),
			"0",
		},
	}
	out, err := sess.sendCmd(cmd.String(), true)
	if err != nil {
		sess.resume()
		return fmt.Errorf("gnss/StmReceiver.SetParam: %w", err)
	}
	for _, l := range out {
		if strings.Contains(l, "PSTMSETPARERROR") {
			sess.resume()
			return fmt.Errorf("gnss/StmReceiver.SetParam: module rejected cdb %d value %#x", cdbID, value)
		}
	}

	if _, err = sess.sendCmd(nmea.Sentence{Type: "PSTMSAVEPAR"}.String(), true); err != nil {
		sess.resume()
		return fmt.Errorf("gnss/StmReceiver.SetParam: %w", err)
	}
	if _, err = sess.sendCmd(nmea.Sentence{Type: "PSTMSRR"}.String(), false); err != nil {
		return fmt.Errorf("gnss/StmReceiver.SetParam: %w", err)
	}
	return nil
}

// Reset restarts the module with a system reset, keeping NVM contents.
func (r *StmReceiver) Reset() (err error) {
	sess, err := openStmSession(r.cfg)
	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.Reset: %w", err)
	}
	defer sess.conn.Close()
	sess.conn.cmdMode(true)

	if err = sess.pause(); err != nil {
		return fmt.Errorf("gnss/StmReceiver.Reset: %w", err)
	}
	if _, err = sess.sendCmd(nmea.Sentence{Type: "PSTMSRR"}.String(), false); err != nil {
		return fmt.Errorf("gnss/StmReceiver.Reset: %w", err)
	}
	return nil
}

// Restore puts every configuration data block back to factory defaults
// and resets the module.
func (r *StmReceiver) Restore() (err error) {
	sess, err := openStmSession(r.cfg)
	if err != nil {
		return fmt.Errorf("gnss/StmReceiver.Restore: %w", err)
	}
	defer sess.conn.Close()
	sess.conn.cmdMode(true)

	if err = sess.pause(); err != nil {
		return fmt.Errorf("gnss/StmReceiver.Restore: %w", err)
	}
	// resume only on error, the success path resets the module
	if _, err = sess.sendCmd(nmea.Sentence{Type: "PSTMRESTOREPAR"}.String(), true); err != nil {
		sess.resume()
		return fmt.Errorf("gnss/StmReceiver.Restore: %w", err)
	}
	if _, err = sess.sendCmd(nmea.Sentence{Type: "PSTMSRR"}.String(), false); err != nil {
		return fmt.Errorf("gnss/StmReceiver.Restore: %w", err)
	}
	return nil
}

// stmConn is an open transport to a Teseo module. cmdMode bounds reads
// while a command exchange is in flight, on transports that support a
// read timeout.
type stmConn interface {
	io.ReadWriteCloser
	cmdMode(on bool) error
}

type stmSerialConn struct {
	serialPort
}

func (c stmSerialConn) cmdMode(on bool) error {
	if on {
		return c.SetReadTimeout(stmCmdTimeout)
	}
	return c.SetReadTimeout(serial.NoTimeout)
}

type stmKernelConn struct {
	io.ReadWriteCloser
}

// The kernel gnss subsystem streams continuously, so command exchanges
// are bounded by the line cap alone.
func (stmKernelConn) cmdMode(bool) error { return nil }

// openKernelGnss is a variable so tests can substitute a fake device.
var openKernelGnss = func(path string) (io.ReadWriteCloser, error) {
	// Using syscall.Open opens the file in non-pollable mode, which
	// costs noticeably less CPU on arm64. Nothing here needs to poll:
	// the device is a constant stream of data from the kernel's GNSS
	// subsystem.
	fd, err := syscall.Open(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), path), nil
}

// stmSession is an open conversation with a Teseo module: a transport
// plus the line scanner the command/response protocol runs over.
type stmSession struct {
	conn    stmConn
	scanner *bufio.Scanner
}

func openStmSession(cfg StmConfig) (*stmSession, error) {
	var conn stmConn
	if cfg.Kernel {
		dev, err := openKernelGnss(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
		}
		conn = stmKernelConn{dev}
	} else {
		port, err := openSerialPort(cfg.Path, cfg.Baud)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
		}
		conn = stmSerialConn{port}
	}

	sess := &stmSession{conn: conn, scanner: bufio.NewScanner(conn)}
	sess.scanner.Buffer(make([]byte, 256), 4096)

	if cfg.Kernel {
		// the kernel powers the module up on open, wait for it to boot
		if err := sess.waitReady(); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return sess, nil
}

// waitReady scans for the banner the module prints once it has booted.
// The module sometimes prefixes messages with NULL bytes or other
// undocumented junk, so the match is a substring match.
func (s *stmSession) waitReady() error {
	banner := nmea.Sentence{Type: "GPTXT", Data: []string{"DEFAULT LIV CONFIGURATION"}}.String()
	for c := 0; s.scanner.Scan(); c++ {
		if c > stmBootLineCap {
			break
		}
		if strings.Contains(s.scanner.Text(), banner) {
			return nil
		}
	}
	if err := s.scanner.Err(); err != nil {
		return fmt.Errorf("wait for boot banner: %w", err)
	}
	return fmt.Errorf("no boot banner from module")
}

// sendCmd writes a command and, when acked is set, collects the lines
// the module prints until it echoes the command back, which marks the
// exchange as complete. The echo match is a substring match for the
// same reason as in waitReady.
func (s *stmSession) sendCmd(cmd string, acked bool) (out []string, err error) {
	if err = s.write([]byte(cmd)); err != nil {
		err = fmt.Errorf("sendCmd: %w", err)
		return
	}

	if !acked {
		return
	}

	for c := 0; s.scanner.Scan(); c++ {
		if c > stmCmdLineCap {
			err = fmt.Errorf("sendCmd: no ack for %q", cmd)
			return
		}
		line := s.scanner.Text()
		if strings.Contains(line, cmd) {
			return
		}
		out = append(out, line)
	}

	if err = s.scanner.Err(); err == nil {
		err = fmt.Errorf("module stream ended")
	}
	err = fmt.Errorf("sendCmd: %w", err)
	return
}

func (s *stmSession) write(data []byte) (err error) {
	if _, err = s.conn.Write(append(data, '\r', '\n')); err != nil {
		err = fmt.Errorf("write: %w", err)
	}
	return
}

func (s *stmSession) pause() (err error) {
	if _, err = s.sendCmd(nmea.Sentence{Type: "PSTMGPSSUSPEND"}.String(), true); err != nil {
		err = fmt.Errorf("pause: %w", err)
	}
	return
}

func (s *stmSession) resume() (err error) {
	if _, err = s.sendCmd(nmea.Sentence{Type: "PSTMGPSRESTART"}.String(), false); err != nil {
		err = fmt.Errorf("resume: %w", err)
	}
	return
}

// dumpTable asks the module to dump one assistance table and writes the
// matching sentences to path.
func (s *stmSession) dumpTable(name, cmd, prefix, path string) (err error) {
	log.Printf("gnss: storing %s to %q", name, path)

	out, err := s.sendCmd(nmea.Sentence{Type: cmd}.String(), true)
	if err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}

	fd, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("dump %s: %w", name, err)
	}
	defer fd.Close()

	for _, l := range out {
		if strings.HasPrefix(l, prefix) {
			if _, err = fmt.Fprintln(fd, l); err != nil {
				return fmt.Errorf("dump %s: %w", name, err)
			}
		}
	}
	return nil
}

// loadTable replays a dumped assistance file line by line. Lines the
// module rejects are logged and skipped, since stale entries in an old
// dump are expected.
func (s *stmSession) loadTable(path string) (err error) {
	fd, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load table: %w", err)
	}
	defer fd.Close()

	scanner := bufio.NewScanner(fd)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := s.sendCmd(line, true); err != nil {
			log.Printf("gnss: %v", err)
		}
	}
	if err = scanner.Err(); err != nil {
		return fmt.Errorf("load table: %w", err)
	}
	return nil
}
