// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package gnss models a positioning receiver as a constructed session
// handle over a hardware driver. A handle is created for a selection of
// satellite systems, refreshed with Update and torn down with Deinit;
// after Deinit every operation fails with ErrDeinited and the handle can
// never be revived.
package gnss

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeinited is returned by every method of a GNSS handle once Deinit
// has been called on it.
var ErrDeinited = errors.New("gnss: receiver deinitialized")

// ErrNoSystems is returned by New when the selection is empty.
var ErrNoSystems = errors.New("gnss: no satellite system selected")

// InvalidSystemError reports a constructor argument that is not one of
// the defined SatelliteSystem constants.
type InvalidSystemError struct {
	Value SatelliteSystem
}

func (e *InvalidSystemError) Error() string {
	return fmt.Sprintf("gnss: %#x is not a defined satellite system", uint32(e.Value))
}

// Receiver is the hardware half of a GNSS handle. Construct powers the
// receiver up for the given constellation mask, Update refreshes its
// cached navigation data and the remaining methods read that cache.
// Getters never block and never fail: before the first successful Update
// they return zero values and an invalid fix.
type Receiver interface {
	Construct(systems SatelliteSystem) error
	Deinit() error
	Update() error

	Latitude() float64
	Longitude() float64
	Altitude() float64
	Timestamp() time.Time
	Fix() PositionFix
}

// AssistStore is implemented by receivers that can persist assistance
// data (ephemerides, almanac) across power cycles. Both methods expect
// the receiver to be powered down.
type AssistStore interface {
	SaveAssist(dir string) error
	LoadAssist(dir string) error
}

// GNSS is a live session with a positioning receiver.
type GNSS struct {
	rec      Receiver
	systems  SatelliteSystem
	deinited bool
}

// New validates the selection, folds it into a single constellation mask
// and powers the receiver up. A value that is not a defined constant
// fails with an InvalidSystemError before the receiver is touched.
func New(rec Receiver, systems ...SatelliteSystem) (*GNSS, error) {
	if len(systems) == 0 {
		return nil, ErrNoSystems
	}
	var mask SatelliteSystem
	for _, s := range systems {
		if !s.valid() {
			return nil, &InvalidSystemError{Value: s}
		}
		mask |= s
	}
	if err := rec.Construct(mask); err != nil {
		return nil, fmt.Errorf("gnss/GNSS.New: %w", err)
	}
	return &GNSS{rec: rec, systems: mask}, nil
}

// Update asks the receiver for fresh navigation data. The position
// getters keep returning their previous values until an Update succeeds.
func (g *GNSS) Update() error {
	if g.deinited {
		return ErrDeinited
	}
	if err := g.rec.Update(); err != nil {
		return fmt.Errorf("gnss/GNSS.Update: %w", err)
	}
	return nil
}

// Deinit powers the receiver down and retires the handle. Calling it
// again is a no-op; every other method fails with ErrDeinited afterwards.
func (g *GNSS) Deinit() error {
	if g.deinited {
		return nil
	}
	g.deinited = true
	if err := g.rec.Deinit(); err != nil {
		return fmt.Errorf("gnss/GNSS.Deinit: %w", err)
	}
	return nil
}

// Deinited reports whether Deinit has been called on the handle.
func (g *GNSS) Deinited() bool {
	return g.deinited
}

// Systems returns the constellation mask the receiver was constructed
// with.
func (g *GNSS) Systems() (SatelliteSystem, error) {
	if g.deinited {
		return 0, ErrDeinited
	}
	return g.systems, nil
}

// Latitude returns the latitude of the last fix in decimal degrees,
// positive north.
func (g *GNSS) Latitude() (float64, error) {
	if g.deinited {
		return 0, ErrDeinited
	}
	return g.rec.Latitude(), nil
}

// Longitude returns the longitude of the last fix in decimal degrees,
// positive east.
func (g *GNSS) Longitude() (float64, error) {
	if g.deinited {
		return 0, ErrDeinited
	}
	return g.rec.Longitude(), nil
}

// Altitude returns the altitude of the last fix in meters above mean
// sea level.
func (g *GNSS) Altitude() (float64, error) {
	if g.deinited {
		return 0, ErrDeinited
	}
	return g.rec.Altitude(), nil
}

// Timestamp returns the UTC time of the last fix.
func (g *GNSS) Timestamp() (time.Time, error) {
	if g.deinited {
		return time.Time{}, ErrDeinited
	}
	return g.rec.Timestamp(), nil
}

// Fix returns the quality of the receiver's current position solution.
func (g *GNSS) Fix() (PositionFix, error) {
	if g.deinited {
		return FixInvalid, ErrDeinited
	}
	return g.rec.Fix(), nil
}

// Snapshot bundles the position getters into one wire-friendly record.
type Snapshot struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude_m"`
	Time      string  `json:"time,omitempty"`
	Fix       string  `json:"fix"`
	FixMode   int     `json:"fix_mode"`
}

// Snapshot captures the current navigation state in a single call.
func (g *GNSS) Snapshot() (Snapshot, error) {
	if g.deinited {
		return Snapshot{}, ErrDeinited
	}
	fix := g.rec.Fix()
	snap := Snapshot{
		Latitude:  g.rec.Latitude(),
		Longitude: g.rec.Longitude(),
		Altitude:  g.rec.Altitude(),
		Fix:       fix.String(),
		FixMode:   int(fix),
	}
	if ts := g.rec.Timestamp(); !ts.IsZero() {
		snap.Time = ts.UTC().Format(time.RFC3339Nano)
	}
	return snap, nil
}
