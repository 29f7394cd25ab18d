// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package pps

import (
	"io"

	"github.com/warthog618/go-gpiocdev"
)

// requestPulseLine watches the line for rising edges via the GPIO
// character device. The event timestamp is monotonic, so the handler
// records wall-clock time itself.
var requestPulseLine = func(chip string, line int, handler func()) (io.Closer, error) {
	l, err := gpiocdev.RequestLine(chip, line,
		gpiocdev.AsInput,
		gpiocdev.WithRisingEdge,
		gpiocdev.WithEventHandler(func(gpiocdev.LineEvent) {
			handler()
		}),
		gpiocdev.WithConsumer("gnssd-pps"))
	if err != nil {
		return nil, err
	}
	return l, nil
}
