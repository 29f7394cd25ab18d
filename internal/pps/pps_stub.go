// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package pps

import (
	"fmt"
	"io"
)

// Stub for platforms without the GPIO character device.
var requestPulseLine = func(chip string, line int, handler func()) (io.Closer, error) {
	return nil, fmt.Errorf("pps unsupported on this platform")
}
