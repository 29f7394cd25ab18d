// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"fmt"
	"math"
	"time"
)

// SimConfig shapes the simulated track. Zero values pick a 1 km radius
// and a two minute period around the configured center.
type SimConfig struct {
	CenterLat float64
	CenterLon float64
	Altitude  float64
	RadiusKm  float64
	Period    time.Duration
	// Warmup delays the first fix, like a cold receiver hunting for
	// satellites.
	Warmup time.Duration
}

// SimReceiver fabricates a deterministic figure-eight track around a
// configured center, for developing against the daemon without
// hardware. Until the warmup has elapsed the fix stays invalid.
type SimReceiver struct {
	navCache

	cfg     SimConfig
	systems SatelliteSystem
	started time.Time
	running bool

	// now is swapped out by tests for deterministic positions
	now func() time.Time
}

func NewSimReceiver(cfg SimConfig) *SimReceiver {
	if cfg.RadiusKm <= 0 {
		cfg.RadiusKm = 1
	}
	if cfg.Period <= 0 {
		cfg.Period = 2 * time.Minute
	}
	return &SimReceiver{cfg: cfg, now: time.Now}
}

// Systems returns the selection the receiver was constructed with.
func (r *SimReceiver) Systems() SatelliteSystem { return r.systems }

func (r *SimReceiver) Construct(systems SatelliteSystem) error {
	if r.running {
		return fmt.Errorf("gnss/SimReceiver.Construct: receiver is already running")
	}
	r.systems = systems
	r.started = r.now()
	r.running = true
	return nil
}

func (r *SimReceiver) Deinit() error {
	r.running = false
	return nil
}

func (r *SimReceiver) Update() error {
	if !r.running {
		return fmt.Errorf("gnss/SimReceiver.Update: receiver is not running")
	}

	now := r.now()
	if now.Sub(r.started) < r.cfg.Warmup {
		r.fix = FixInvalid
		return nil
	}

	lat, lon := r.position(now)
	r.lat, r.lon = lat, lon
	r.alt = r.cfg.Altitude
	r.ts = now.UTC()
	r.fix = Fix3D
	return nil
}

// position walks a figure-eight (Lissajous) track that stays within the
// configured radius: x = cos(w) east-west, y = 0.5*sin(2w) north-south.
func (r *SimReceiver) position(now time.Time) (lat, lon float64) {
	phase := float64(now.UnixNano()%r.cfg.Period.Nanoseconds()) / float64(r.cfg.Period.Nanoseconds())
	w := 2 * math.Pi * phase

	// ~111 km per degree of latitude
	radiusDeg := r.cfg.RadiusKm / 111.0

	x := math.Cos(w)
	y := 0.5 * math.Sin(2*w)

	lat = r.cfg.CenterLat + radiusDeg*y
	lon = r.cfg.CenterLon + (radiusDeg*x)/math.Cos(r.cfg.CenterLat*math.Pi/180.0)
	return lat, lon
}
