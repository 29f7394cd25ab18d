// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

func nmeaLine(payload string) string {
	ck := byte(0)
	for i := 0; i < len(payload); i++ {
		ck ^= payload[i]
	}
	return fmt.Sprintf("$%s*%02X", payload, ck)
}

func TestNavDataRMC(t *testing.T) {
	var nav navData
	nav.ApplyLine(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230825,003.1,W"))

	lat, lon, _, ts, fix, err := nav.position()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if math.Abs(lat-48.1173) > 1e-4 {
		t.Errorf("lat=%v", lat)
	}
	if math.Abs(lon-11.5167) > 1e-4 {
		t.Errorf("lon=%v", lon)
	}
	if fix != Fix2D {
		t.Errorf("expected 2d fix after valid RMC, got %v", fix)
	}
	want := time.Date(2025, 8, 23, 12, 35, 19, 0, time.UTC)
	if !ts.Equal(want) {
		t.Errorf("timestamp expected: %v, got: %v", want, ts)
	}
}

func TestNavDataGGA(t *testing.T) {
	var nav navData
	nav.ApplyLine(nmeaLine("GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"))

	_, _, alt, ts, fix, err := nav.position()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if math.Abs(alt-545.4) > 1e-9 {
		t.Errorf("alt=%v", alt)
	}
	if fix != Fix2D {
		t.Errorf("expected 2d fix, got %v", fix)
	}
	// GGA carries no date, so the clock must stay unset until an RMC
	// provides one.
	if !ts.IsZero() {
		t.Errorf("expected zero timestamp, got %v", ts)
	}

	nav.ApplyLine(nmeaLine("GPRMC,123520,A,4807.038,N,01131.000,E,022.4,084.4,230825,003.1,W"))
	_, _, _, ts, _, _ = nav.position()
	if ts.IsZero() {
		t.Error("expected timestamp after RMC date")
	}
}

func TestNavDataGSA(t *testing.T) {
	var nav navData

	nav.ApplyLine(nmeaLine("GNGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"))
	if _, _, _, _, fix, _ := nav.position(); fix != Fix3D {
		t.Errorf("expected 3d, got %v", fix)
	}

	nav.ApplyLine(nmeaLine("GNGSA,A,2,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"))
	if _, _, _, _, fix, _ := nav.position(); fix != Fix2D {
		t.Errorf("expected 2d, got %v", fix)
	}

	nav.ApplyLine(nmeaLine("GNGSA,A,1,,,,,,,,,,,,,99.0,99.0,99.0"))
	if _, _, _, _, fix, _ := nav.position(); fix != FixInvalid {
		t.Errorf("expected invalid, got %v", fix)
	}
}

func TestNavDataVoidRMC(t *testing.T) {
	var nav navData
	nav.ApplyLine(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230825,003.1,W"))
	nav.ApplyLine(nmeaLine("GNGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"))

	// a void RMC drops the fix but keeps the last position
	nav.ApplyLine(nmeaLine("GPRMC,123525,V,4807.038,N,01131.000,E,000.0,084.4,230825,003.1,W"))
	lat, _, _, _, fix, _ := nav.position()
	if fix != FixInvalid {
		t.Errorf("expected invalid after void RMC, got %v", fix)
	}
	if lat == 0 {
		t.Error("expected last position to be retained")
	}
}

func TestNavDataGGAQualityZero(t *testing.T) {
	var nav navData
	nav.ApplyLine(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230825,003.1,W"))
	nav.ApplyLine(nmeaLine("GNGSA,A,3,04,05,,09,12,,,24,,,,,2.5,1.3,2.1"))

	nav.ApplyLine(nmeaLine("GNGGA,123526,4807.038,N,01131.000,E,0,04,6.1,545.4,M,46.9,M,,"))
	if _, _, _, _, fix, _ := nav.position(); fix != FixInvalid {
		t.Errorf("expected invalid after quality 0, got %v", fix)
	}
}

func TestNavDataIgnoresChatter(t *testing.T) {
	var nav navData
	nav.ApplyLine("$PSTMEPHEM,1,64,something*00")
	nav.ApplyLine("not a sentence")
	nav.ApplyLine("")
	nav.ApplyLine("$GPRMC,badly,truncated")

	if _, _, _, _, fix, err := nav.position(); err != nil || fix != FixInvalid {
		t.Errorf("expected pristine state, got fix=%v err=%v", fix, err)
	}
}

func TestNavCacheRefresh(t *testing.T) {
	var nav navData
	var cache navCache

	nav.ApplyLine(nmeaLine("GPRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230825,003.1,W"))
	if err := cache.refreshFrom(&nav); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if cache.Latitude() == 0 || cache.Fix() != Fix2D {
		t.Errorf("unexpected cache: %+v", cache)
	}

	// a dead stream surfaces through refresh and leaves the cache alone
	streamErr := errors.New("read: device gone")
	nav.setErr(streamErr)
	if err := cache.refreshFrom(&nav); !errors.Is(err, streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if cache.Latitude() == 0 {
		t.Error("expected cache to retain last refresh")
	}
}
