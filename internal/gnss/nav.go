// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"strings"
	"sync"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"gitlab.com/postmarketOS/gnssd/internal/observability"
)

// navData accumulates navigation state from a stream of NMEA sentences.
// A driver's reader goroutine feeds it with ApplyLine; Update copies it
// out through position. RMC carries position and UTC date+time, GGA
// carries altitude and fix quality, GSA carries the 2D/3D solution mode.
type navData struct {
	mu  sync.Mutex
	err error

	lat     float64
	lon     float64
	havePos bool
	alt     float64
	fix     PositionFix

	year, month, day     int
	hour, min, sec, msec int
	haveDate, haveTime   bool
}

// ApplyLine folds one raw NMEA sentence into the accumulator. Lines
// without a standard talker prefix (proprietary chatter, noise) are
// ignored; lines that fail to parse are counted and dropped.
func (n *navData) ApplyLine(line string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$G") {
		return
	}

	s, err := nmea.Parse(line)
	if err != nil {
		observability.ParseErrors.Inc()
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	switch s.DataType() {
	case nmea.TypeRMC:
		n.applyRMC(s.(nmea.RMC))
	case nmea.TypeGGA:
		n.applyGGA(s.(nmea.GGA))
	case nmea.TypeGSA:
		n.applyGSA(s.(nmea.GSA))
	}
}

func (n *navData) applyRMC(m nmea.RMC) {
	if m.Validity != nmea.ValidRMC {
		n.fix = FixInvalid
		return
	}

	n.lat = m.Latitude
	n.lon = m.Longitude
	n.havePos = true
	if n.fix == FixInvalid {
		n.fix = Fix2D
	}

	if m.Date.Valid {
		n.year = 2000 + m.Date.YY
		n.month = m.Date.MM
		n.day = m.Date.DD
		n.haveDate = true
	}
	if m.Time.Valid {
		n.setClock(m.Time)
	}
}

func (n *navData) applyGGA(m nmea.GGA) {
	if m.FixQuality == nmea.Invalid {
		n.fix = FixInvalid
		return
	}

	n.lat = m.Latitude
	n.lon = m.Longitude
	n.havePos = true
	n.alt = m.Altitude
	if n.fix == FixInvalid {
		n.fix = Fix2D
	}
	if m.Time.Valid && n.haveDate {
		n.setClock(m.Time)
	}
}

func (n *navData) applyGSA(m nmea.GSA) {
	switch m.FixType {
	case nmea.Fix2D:
		n.fix = Fix2D
	case nmea.Fix3D:
		n.fix = Fix3D
	default:
		n.fix = FixInvalid
	}
}

func (n *navData) setClock(t nmea.Time) {
	n.hour = t.Hour
	n.min = t.Minute
	n.sec = t.Second
	n.msec = t.Millisecond
	n.haveTime = true
}

// setSolution records a complete parsed solution directly, for sources
// that deliver positions rather than NMEA text. An invalid fix drops
// the solution but keeps the last position, matching how a void RMC is
// folded. A nil alt leaves the last altitude in place.
func (n *navData) setSolution(lat, lon float64, alt *float64, ts time.Time, fix PositionFix) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.fix = fix
	if fix == FixInvalid {
		return
	}

	n.lat, n.lon, n.havePos = lat, lon, true
	if alt != nil {
		n.alt = *alt
	}
	if !ts.IsZero() {
		ts = ts.UTC()
		n.year, n.month, n.day = ts.Year(), int(ts.Month()), ts.Day()
		n.hour, n.min, n.sec = ts.Hour(), ts.Minute(), ts.Second()
		n.msec = ts.Nanosecond() / int(time.Millisecond)
		n.haveDate, n.haveTime = true, true
	}
}

// setErr records a stream failure. Subsequent position calls return it,
// surfacing the dead transport through the next refresh.
func (n *navData) setErr(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// position returns a consistent copy of the accumulated state. The
// timestamp is zero until both a date and a time have been seen.
func (n *navData) position() (lat, lon, alt float64, ts time.Time, fix PositionFix, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.err != nil {
		return 0, 0, 0, time.Time{}, FixInvalid, n.err
	}
	if n.haveDate && n.haveTime {
		ts = time.Date(n.year, time.Month(n.month), n.day,
			n.hour, n.min, n.sec, n.msec*int(time.Millisecond), time.UTC)
	}
	return n.lat, n.lon, n.alt, ts, n.fix, nil
}

// navCache is the published navigation state a receiver's getters read.
// It is refreshed by Update only, so the getters stay pure reads: before
// the first refresh every field is zero and the fix is invalid.
type navCache struct {
	lat float64
	lon float64
	alt float64
	ts  time.Time
	fix PositionFix
}

func (c *navCache) refreshFrom(n *navData) error {
	lat, lon, alt, ts, fix, err := n.position()
	if err != nil {
		return err
	}
	c.lat, c.lon, c.alt, c.ts, c.fix = lat, lon, alt, ts, fix
	return nil
}

func (c *navCache) Latitude() float64 { return c.lat }

func (c *navCache) Longitude() float64 { return c.lon }

func (c *navCache) Altitude() float64 { return c.alt }

func (c *navCache) Timestamp() time.Time { return c.ts }

func (c *navCache) Fix() PositionFix { return c.fix }
