// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package gnss

// PositionFix describes the quality of a receiver's position solution.
type PositionFix int

const (
	FixInvalid PositionFix = 0
	Fix2D      PositionFix = 1
	Fix3D      PositionFix = 2
)

func (f PositionFix) String() string {
	switch f {
	case Fix2D:
		return "2d"
	case Fix3D:
		return "3d"
	default:
		return "invalid"
	}
}

// Valid reports whether the receiver has any usable position solution.
func (f PositionFix) Valid() bool {
	return f == Fix2D || f == Fix3D
}
