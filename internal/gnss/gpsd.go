// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/observability"
)

const (
	gpsdDefaultAddr = "127.0.0.1:2947"
	gpsdDialTimeout = 2 * time.Second
)

// gpsdWatch enables JSON streaming reports; scaled keeps units in
// meters and degrees.
const gpsdWatch = "?WATCH={\"enable\":true,\"json\":true,\"scaled\":true}\n"

// dialGpsd is a variable so tests can inject a failing dialer.
var dialGpsd = func(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, gpsdDialTimeout)
}

// GpsdConfig names the gpsd instance to read from. An empty Address
// picks the local default.
type GpsdConfig struct {
	Address string
}

// GpsdReceiver reads positions from a running gpsd instead of driving
// hardware directly. gpsd owns the device, so the constellation
// selection is recorded for reporting but not pushed to the hardware.
// A dead connection is not re-dialed: the failure surfaces through
// Update and the daemon decides what to do.
type GpsdReceiver struct {
	navCache

	addr    string
	systems SatelliteSystem
	conn    net.Conn
	nav     navData
	stop    chan struct{}
	done    chan struct{}
}

func NewGpsdReceiver(cfg GpsdConfig) *GpsdReceiver {
	addr := strings.TrimSpace(cfg.Address)
	if addr == "" {
		addr = gpsdDefaultAddr
	}
	return &GpsdReceiver{addr: addr}
}

// Systems returns the selection the receiver was constructed with.
func (r *GpsdReceiver) Systems() SatelliteSystem { return r.systems }

func (r *GpsdReceiver) Construct(systems SatelliteSystem) (err error) {
	if r.conn != nil {
		return fmt.Errorf("gnss/GpsdReceiver.Construct: receiver is already running")
	}

	conn, err := dialGpsd(r.addr)
	if err != nil {
		return fmt.Errorf("gnss/GpsdReceiver.Construct: %w", err)
	}
	if _, err := conn.Write([]byte(gpsdWatch)); err != nil {
		conn.Close()
		return fmt.Errorf("gnss/GpsdReceiver.Construct: enable watch: %w", err)
	}

	r.systems = systems
	r.conn = conn
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.readLoop()

	return nil
}

// Update folds the navigation state accumulated by the reader into the
// receiver's property cache.
func (r *GpsdReceiver) Update() error {
	if err := r.refreshFrom(&r.nav); err != nil {
		return fmt.Errorf("gnss/GpsdReceiver.Update: %w", err)
	}
	return nil
}

func (r *GpsdReceiver) Deinit() error {
	if r.conn == nil {
		return nil
	}

	close(r.stop)
	err := r.conn.Close()
	<-r.done
	r.conn = nil

	if err != nil {
		return fmt.Errorf("gnss/GpsdReceiver.Deinit: %w", err)
	}
	return nil
}

func (r *GpsdReceiver) readLoop() {
	defer close(r.done)

	// SKY reports carry full satellite lists and run long
	scanner := bufio.NewScanner(r.conn)
	scanner.Buffer(make([]byte, 1024), 64*1024)
	for scanner.Scan() {
		select {
		case <-r.stop:
			return
		default:
		}
		r.applyReport(scanner.Bytes())
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("gpsd closed the connection")
	}
	select {
	case <-r.stop:
		// closed by Deinit
	default:
		r.nav.setErr(fmt.Errorf("gnss/GpsdReceiver: %s: %w", r.addr, err))
	}
}

type gpsdReport struct {
	Class string `json:"class"`
}

// gpsdTPV is the subset of a gpsd time-position-velocity report the
// receiver consumes. Optional fields are pointers so absent values can
// be told apart from zeros.
type gpsdTPV struct {
	Mode   *int     `json:"mode"`
	Time   string   `json:"time"`
	Lat    *float64 `json:"lat"`
	Lon    *float64 `json:"lon"`
	Alt    *float64 `json:"alt"`
	AltMSL *float64 `json:"altMSL"`
}

func (r *GpsdReceiver) applyReport(line []byte) {
	var base gpsdReport
	if err := json.Unmarshal(line, &base); err != nil {
		observability.ParseErrors.Inc()
		return
	}
	if !strings.EqualFold(base.Class, "TPV") {
		// VERSION, DEVICES, SKY and friends
		return
	}

	var tpv gpsdTPV
	if err := json.Unmarshal(line, &tpv); err != nil {
		observability.ParseErrors.Inc()
		return
	}

	mode := 0
	if tpv.Mode != nil {
		mode = *tpv.Mode
	}
	if mode < 2 || tpv.Lat == nil || tpv.Lon == nil {
		r.nav.setSolution(0, 0, nil, time.Time{}, FixInvalid)
		return
	}

	fix := Fix2D
	if mode >= 3 {
		fix = Fix3D
	}

	// prefer the scaled altitude above mean sea level, fall back to the
	// older plain alt field
	alt := tpv.AltMSL
	if alt == nil {
		alt = tpv.Alt
	}

	var ts time.Time
	if s := strings.TrimSpace(tpv.Time); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ts = t
		}
	}

	r.nav.setSolution(*tpv.Lat, *tpv.Lon, alt, ts, fix)
}
