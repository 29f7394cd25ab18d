// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pps counts top-of-second pulses from a timing-grade receiver
// on a GPIO line.
package pps

import (
	"fmt"
	"io"
	"sync"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/observability"
)

// Watcher counts rising edges on a GPIO line and remembers when the
// last one arrived.
type Watcher struct {
	chip string
	line int

	mu     sync.Mutex
	pulses uint64
	last   time.Time

	gpio io.Closer
}

func NewWatcher(chip string, line int) *Watcher {
	return &Watcher{
		chip: chip,
		line: line,
	}
}

// Start requests the GPIO line and begins counting pulses.
func (w *Watcher) Start() error {
	if w.gpio != nil {
		return fmt.Errorf("pps/Watcher.Start: already started")
	}
	gpio, err := requestPulseLine(w.chip, w.line, w.pulse)
	if err != nil {
		return fmt.Errorf("pps/Watcher.Start: %w", err)
	}
	w.gpio = gpio
	return nil
}

// Stop releases the GPIO line. Stopping a watcher that never started is
// a no-op.
func (w *Watcher) Stop() error {
	if w.gpio == nil {
		return nil
	}
	err := w.gpio.Close()
	w.gpio = nil
	if err != nil {
		return fmt.Errorf("pps/Watcher.Stop: %w", err)
	}
	return nil
}

// Info returns the pulse count and the arrival time of the last pulse.
func (w *Watcher) Info() (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pulses, w.last
}

// pulse is invoked from the GPIO event handler on each rising edge.
func (w *Watcher) pulse() {
	w.mu.Lock()
	w.pulses++
	w.last = time.Now().UTC()
	w.mu.Unlock()
	observability.PPSPulses.Inc()
}
