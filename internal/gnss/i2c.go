// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

const (
	// pa1010dAddr is the fixed i2c address of the PA1010D module.
	pa1010dAddr = 0x10
	// i2cReadSize matches the module's internal buffer: every read
	// returns this many bytes, padded with filler when it has nothing
	// to say.
	i2cReadSize = 255

	i2cPollInterval = 50 * time.Millisecond
)

// I2CConfig locates a GNSS module on an i2c bus. An empty Bus picks the
// first bus the host exposes; a zero Addr defaults to the PA1010D
// address.
type I2CConfig struct {
	Bus  string
	Addr uint16
}

// openI2CBus is a variable so tests can substitute a fake bus.
var openI2CBus = func(name string) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, err
	}
	return i2creg.Open(name)
}

// I2CReceiver drives an i2c-attached GNSS module such as the CDTop
// PA1010D. The module speaks the PMTK dialect over i2c: commands are
// plain sentence writes, and polled reads return fixed-size buffers of
// NMEA text padded with newline filler.
type I2CReceiver struct {
	navCache

	cfg  I2CConfig
	bus  i2c.BusCloser
	dev  *i2c.Dev
	nav  navData
	stop chan struct{}
	done chan struct{}
}

func NewI2CReceiver(cfg I2CConfig) *I2CReceiver {
	if cfg.Addr == 0 {
		cfg.Addr = pa1010dAddr
	}
	return &I2CReceiver{cfg: cfg}
}

func (r *I2CReceiver) Construct(systems SatelliteSystem) (err error) {
	if r.bus != nil {
		return fmt.Errorf("gnss/I2CReceiver.Construct: receiver is already running")
	}

	cmds, err := pmtkSelectionCommands(systems)
	if err != nil {
		return fmt.Errorf("gnss/I2CReceiver.Construct: %w", err)
	}

	bus, err := openI2CBus(r.cfg.Bus)
	if err != nil {
		return fmt.Errorf("gnss/I2CReceiver.Construct: %w", err)
	}

	dev := &i2c.Dev{Bus: bus, Addr: r.cfg.Addr}
	for _, cmd := range cmds {
		if err := dev.Tx(cmd, nil); err != nil {
			bus.Close()
			return fmt.Errorf("gnss/I2CReceiver.Construct: send selection: %w", err)
		}
	}

	r.bus, r.dev = bus, dev
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.pollLoop()

	return nil
}

// Update folds the navigation state accumulated by the poller into the
// receiver's property cache.
func (r *I2CReceiver) Update() error {
	if err := r.refreshFrom(&r.nav); err != nil {
		return fmt.Errorf("gnss/I2CReceiver.Update: %w", err)
	}
	return nil
}

func (r *I2CReceiver) Deinit() error {
	if r.bus == nil {
		return nil
	}

	close(r.stop)
	<-r.done
	err := r.bus.Close()
	r.bus, r.dev = nil, nil

	if err != nil {
		return fmt.Errorf("gnss/I2CReceiver.Deinit: %w", err)
	}
	return nil
}

func (r *I2CReceiver) pollLoop() {
	defer close(r.done)

	var asm lineAssembler
	buf := make([]byte, i2cReadSize)
	ticker := time.NewTicker(i2cPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		}

		if err := r.dev.Tx(nil, buf); err != nil {
			r.nav.setErr(fmt.Errorf("gnss/I2CReceiver: read: %w", err))
			return
		}
		for _, line := range asm.feed(buf) {
			r.nav.ApplyLine(line)
		}
	}
}

// lineAssembler reassembles NMEA lines from raw i2c reads. Sentences
// arrive split across reads, and the module pads short reads with '\n'
// (some firmware revisions use NUL), so empty lines are dropped.
type lineAssembler struct {
	buf []byte
}

func (a *lineAssembler) feed(chunk []byte) []string {
	var lines []string
	for _, b := range chunk {
		switch b {
		case '\n':
			if len(a.buf) > 0 {
				lines = append(lines, string(a.buf))
				a.buf = a.buf[:0]
			}
		case '\r', 0:
			// filler, lines end at '\n'
		default:
			a.buf = append(a.buf, b)
		}
	}
	// drop runaway garbage that never saw a newline
	if len(a.buf) > 4096 {
		a.buf = a.buf[:0]
	}
	return lines
}
