// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package observability registers the daemon's prometheus metrics. The
// metrics are served by the optional web listener's /metrics endpoint.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Updates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnssd_updates_total",
		Help: "Receiver refresh cycles performed.",
	})
	UpdateErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnssd_update_errors_total",
		Help: "Receiver refresh cycles that failed.",
	})
	ReportsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnssd_reports_published_total",
		Help: "Fix reports broadcast to clients and sinks.",
	})
	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gnssd_clients_connected",
		Help: "Clients currently connected to the unix socket.",
	})
	ParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnssd_nmea_parse_errors_total",
		Help: "NMEA sentences dropped as unparseable.",
	})
	PPSPulses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnssd_pps_pulses_total",
		Help: "PPS pulses observed on the configured GPIO line.",
	})
	AssistOps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gnssd_assist_operations_total",
		Help: "Assist data store/load operations performed.",
	})
)
