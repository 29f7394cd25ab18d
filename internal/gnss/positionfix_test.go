// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

import (
	"testing"
)

func TestPositionFixString(t *testing.T) {
	tables := []struct {
		in       PositionFix
		expected string
	}{
		{FixInvalid, "invalid"},
		{Fix2D, "2d"},
		{Fix3D, "3d"},
		{PositionFix(9), "invalid"},
	}

	for _, table := range tables {
		if out := table.in.String(); out != table.expected {
			t.Errorf("%d expected: %q, got: %q", int(table.in), table.expected, out)
		}
	}
}

func TestPositionFixValid(t *testing.T) {
	if FixInvalid.Valid() {
		t.Error("FixInvalid reported valid")
	}
	if !Fix2D.Valid() || !Fix3D.Valid() {
		t.Error("2D/3D fix reported invalid")
	}
}
