// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package web serves the daemon's HTTP surface: status and position
// JSON, a websocket stream of fix reports and prometheus metrics.
package web

import (
	"sync"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/gnss"
)

// Status tracks daemon state for /api/status. All methods are safe for
// concurrent use.
type Status struct {
	mu      sync.Mutex
	started time.Time
	driver  string
	systems string
	updates uint64
	errors  uint64
	last    gnss.Snapshot
	haveFix bool

	clients func() int
	pps     func() (uint64, time.Time)
}

func NewStatus(driver, systems string) *Status {
	return &Status{
		started: time.Now().UTC(),
		driver:  driver,
		systems: systems,
	}
}

// SetClientCounter installs the source for the connected client count.
func (s *Status) SetClientCounter(fn func() int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = fn
}

// SetPPSSource installs the source for PPS pulse count and last pulse
// time.
func (s *Status) SetPPSSource(fn func() (uint64, time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pps = fn
}

// RecordUpdate notes a successful receiver refresh and keeps its
// snapshot as the latest fix.
func (s *Status) RecordUpdate(snap gnss.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.last = snap
	s.haveFix = true
}

// RecordUpdateError notes a failed receiver refresh.
func (s *Status) RecordUpdateError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates++
	s.errors++
}

// LastFix returns the most recent snapshot, and whether one has been
// recorded yet.
func (s *Status) LastFix() (gnss.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.haveFix
}

// StatusSnapshot is the JSON document served by /api/status.
type StatusSnapshot struct {
	Service      string         `json:"service"`
	NowUTC       string         `json:"now_utc"`
	UptimeSec    int64          `json:"uptime_sec"`
	Driver       string         `json:"driver"`
	Systems      string         `json:"systems"`
	Clients      int            `json:"clients"`
	Updates      uint64         `json:"updates_total"`
	UpdateErrors uint64         `json:"update_errors_total"`
	LastFix      *gnss.Snapshot `json:"last_fix,omitempty"`
	PPS          *PPSSnapshot   `json:"pps,omitempty"`
}

// PPSSnapshot reports the PPS watcher state inside a StatusSnapshot.
type PPSSnapshot struct {
	Pulses       uint64 `json:"pulses_total"`
	LastPulseUTC string `json:"last_pulse_utc,omitempty"`
}

// Snapshot assembles the current status document.
func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatusSnapshot{
		Service:      "gnssd",
		NowUTC:       nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec:    int64(nowUTC.Sub(s.started).Seconds()),
		Driver:       s.driver,
		Systems:      s.systems,
		Updates:      s.updates,
		UpdateErrors: s.errors,
	}
	if s.clients != nil {
		snap.Clients = s.clients()
	}
	if s.haveFix {
		last := s.last
		snap.LastFix = &last
	}
	if s.pps != nil {
		pulses, lastPulse := s.pps()
		info := &PPSSnapshot{Pulses: pulses}
		if !lastPulse.IsZero() {
			info.LastPulseUTC = lastPulse.UTC().Format(time.RFC3339Nano)
		}
		snap.PPS = info
	}
	return snap
}
