// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"fmt"
	"strings"
)

// SatelliteSystem selects one or more satellite constellations for a
// receiver to track. Each defined constant is a single bit; selections
// combine with bitwise OR.
type SatelliteSystem uint32

const (
	GPS      SatelliteSystem = 1 << 0
	GLONASS  SatelliteSystem = 1 << 1
	SBAS     SatelliteSystem = 1 << 2
	QZSSL1CA SatelliteSystem = 1 << 3
	QZSSL1S  SatelliteSystem = 1 << 5
)

// allSystems lists the defined constellations in display order.
var allSystems = []SatelliteSystem{GPS, GLONASS, SBAS, QZSSL1CA, QZSSL1S}

var systemNames = map[SatelliteSystem]string{
	GPS:      "gps",
	GLONASS:  "glonass",
	SBAS:     "sbas",
	QZSSL1CA: "qzss_l1ca",
	QZSSL1S:  "qzss_l1s",
}

// ParseSatelliteSystem maps a configuration name like "glonass" to its
// SatelliteSystem value. Names are matched case-insensitively.
func ParseSatelliteSystem(name string) (SatelliteSystem, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for _, s := range allSystems {
		if systemNames[s] == want {
			return s, nil
		}
	}
	return 0, fmt.Errorf("gnss: unknown satellite system %q", name)
}

// String renders a single constellation as its configuration name and a
// combined selection as the names joined with "+".
func (s SatelliteSystem) String() string {
	if n, ok := systemNames[s]; ok {
		return n
	}
	var parts []string
	for _, one := range allSystems {
		if s&one != 0 {
			parts = append(parts, systemNames[one])
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("SatelliteSystem(%#x)", uint32(s))
	}
	return strings.Join(parts, "+")
}

// Has reports whether the selection includes sys.
func (s SatelliteSystem) Has(sys SatelliteSystem) bool {
	return sys != 0 && s&sys == sys
}

// valid reports whether s is exactly one defined constellation.
func (s SatelliteSystem) valid() bool {
	_, ok := systemNames[s]
	return ok
}
