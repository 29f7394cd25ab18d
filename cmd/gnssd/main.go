// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/config"
	"gitlab.com/postmarketOS/gnssd/internal/gnss"
	"gitlab.com/postmarketOS/gnssd/internal/observability"
	"gitlab.com/postmarketOS/gnssd/internal/pool"
	"gitlab.com/postmarketOS/gnssd/internal/pps"
	"gitlab.com/postmarketOS/gnssd/internal/publish"
	"gitlab.com/postmarketOS/gnssd/internal/server"
	"gitlab.com/postmarketOS/gnssd/internal/web"
)

func usage() {
	flag.CommandLine.Usage()
}

func main() {
	var confFile string
	flag.StringVar(&confFile, "c", "/etc/gnssd.conf", "Configuration file to use.")
	var help bool
	flag.BoolVar(&help, "h", false, "Print help and quit.")

	flag.Usage = func() {
		fmt.Println("usage: gnssd COMMAND [OPTION...]")
		fmt.Println("Commands:")
		fmt.Printf("  %-12s\t%s\n", "[none]", "The default behavior if no command is specified is to run in \"server\" mode.")
		fmt.Printf("  %-12s\t%s\n", "store", "Store almanac and ephemerides data and quit.")
		fmt.Printf("  %-12s\t%s\n", "load", "Load almanac and ephemerides data and quit.")
		fmt.Println("Options:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if help {
		usage()
		return
	}

	conf, err := config.Parse(confFile)
	if err != nil {
		log.Fatal(err)
	}

	rec, err := buildReceiver(conf)
	if err != nil {
		log.Fatal(err)
	}

	switch cmd := flag.Arg(0); cmd {
	case "store":
		store, err := assistStore(rec, conf.Driver)
		if err != nil {
			log.Fatal(err)
		}
		if err := store.SaveAssist(conf.CachePath); err != nil {
			log.Fatal(err)
		}
		return
	case "load":
		store, err := assistStore(rec, conf.Driver)
		if err != nil {
			log.Fatal(err)
		}
		if err := store.LoadAssist(conf.CachePath); err != nil {
			log.Fatal(err)
		}
		return
	default:
		if cmd != "" {
			fmt.Printf("Unknown command: %q\n", cmd)
			usage()
			return
		}
		// server mode
	}

	if err := serve(conf, rec); err != nil {
		log.Fatal(err)
	}
}

func buildReceiver(conf *config.Config) (gnss.Receiver, error) {
	switch conf.Driver {
	case "serial":
		return gnss.NewSerialReceiver(gnss.SerialConfig{
			Path:    conf.Serial.Path,
			Baud:    conf.Serial.BaudRate,
			Dialect: gnss.SerialDialect(conf.Serial.Dialect),
		}), nil
	case "stm":
		return gnss.NewStmReceiver(gnss.StmConfig{
			Path:   conf.Serial.Path,
			Baud:   conf.Serial.BaudRate,
			Kernel: true,
		}), nil
	case "stm_serial":
		return gnss.NewStmReceiver(gnss.StmConfig{
			Path: conf.Serial.Path,
			Baud: conf.Serial.BaudRate,
		}), nil
	case "i2c":
		return gnss.NewI2CReceiver(gnss.I2CConfig{
			Bus:  conf.I2C.Bus,
			Addr: conf.I2C.Address,
		}), nil
	case "gpsd":
		return gnss.NewGpsdReceiver(gnss.GpsdConfig{
			Address: conf.Gpsd.Address,
		}), nil
	case "sim":
		return gnss.NewSimReceiver(gnss.SimConfig{
			CenterLat: conf.Sim.Latitude,
			CenterLon: conf.Sim.Longitude,
			Altitude:  conf.Sim.Altitude,
		}), nil
	}
	return nil, fmt.Errorf("unknown driver %q", conf.Driver)
}

func assistStore(rec gnss.Receiver, driver string) (gnss.AssistStore, error) {
	store, ok := rec.(gnss.AssistStore)
	if !ok {
		return nil, fmt.Errorf("driver %q does not support assist data", driver)
	}
	return store, nil
}

func serve(conf *config.Config, rec gnss.Receiver) error {
	var mask gnss.SatelliteSystem
	for _, s := range conf.SatelliteSystems() {
		mask |= s
	}

	connPool := pool.New()
	go connPool.Start()

	startChan := make(chan bool)
	stopChan := make(chan bool)
	srv := server.New(conf.Socket, conf.OwnerGroup, startChan, stopChan, connPool)
	if err := srv.Start(); err != nil {
		connPool.Stop()
		return err
	}

	status := web.NewStatus(conf.Driver, mask.String())
	status.SetClientCounter(connPool.Count)
	hub := web.NewHub()
	if conf.Web.Listen != "" {
		go func() {
			if err := http.ListenAndServe(conf.Web.Listen, web.Handler(status, hub)); err != nil {
				log.Printf("web listener: %v", err)
			}
		}()
		log.Printf("serving status at http://%s/api/status", conf.Web.Listen)
	}

	var watcher *pps.Watcher
	if conf.PPS.Chip != "" {
		watcher = pps.NewWatcher(conf.PPS.Chip, conf.PPS.Line)
		if err := watcher.Start(); err != nil {
			log.Printf("pps watcher unavailable: %v", err)
			watcher = nil
		} else {
			status.SetPPSSource(watcher.Info)
			log.Printf("watching pps pulses on %s:%d", conf.PPS.Chip, conf.PPS.Line)
		}
	}

	var pub *publish.Publisher
	if conf.MQTT.Broker != "" {
		p, err := publish.Connect(publish.Options{
			Broker:   conf.MQTT.Broker,
			ClientID: conf.MQTT.ClientID,
			Topic:    conf.MQTT.Topic,
		})
		if err != nil {
			srv.Stop()
			connPool.Stop()
			if watcher != nil {
				watcher.Stop()
			}
			return err
		}
		pub = p
		log.Printf("publishing fix reports to %s", pub.Topic())
	}

	var handle *gnss.GNSS

	powerUp := func() {
		if handle != nil && !handle.Deinited() {
			return
		}
		h, err := gnss.New(rec, conf.SatelliteSystems()...)
		if err != nil {
			log.Printf("cannot power receiver up: %v", err)
			return
		}
		handle = h
		log.Printf("receiver powered up (%s)", mask)
	}
	powerDown := func() {
		if handle == nil {
			return
		}
		if err := handle.Deinit(); err != nil {
			log.Printf("receiver deinit: %v", err)
		}
		handle = nil
		log.Println("receiver powered down")
	}
	// Assist data transfers need the receiver port to themselves, so
	// power down around the operation and restore the previous state. A
	// retired handle stays retired; the restore builds a fresh one.
	runAssist := func(op string) {
		store, err := assistStore(rec, conf.Driver)
		if err != nil {
			log.Print(err)
			return
		}
		active := handle != nil && !handle.Deinited()
		powerDown()

		if op == "load" {
			err = store.LoadAssist(conf.CachePath)
		} else {
			err = store.SaveAssist(conf.CachePath)
		}
		if err != nil {
			// not fatal
			log.Printf("assist data %s failed: %v", op, err)
		}

		if active || conf.AlwaysOn {
			powerUp()
		}
	}

	if conf.AlwaysOn {
		powerUp()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(conf.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-startChan:
			powerUp()
		case <-stopChan:
			if !conf.AlwaysOn {
				powerDown()
			}
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR1:
				log.Printf("received SIGUSR1, loading assist data from %q", conf.CachePath)
				runAssist("load")
			case syscall.SIGUSR2:
				log.Printf("received SIGUSR2, storing assist data to %q", conf.CachePath)
				runAssist("store")
			case syscall.SIGINT, syscall.SIGTERM:
				log.Printf("received %s, shutting down", sig)
				srv.Stop()
				connPool.Stop()
				powerDown()
				if watcher != nil {
					watcher.Stop()
				}
				if pub != nil {
					pub.Close()
				}
				return nil
			}
		case <-ticker.C:
			if handle == nil || handle.Deinited() {
				continue
			}
			observability.Updates.Inc()
			if err := handle.Update(); err != nil {
				observability.UpdateErrors.Inc()
				status.RecordUpdateError()
				log.Printf("update: %v", err)
				continue
			}
			snap, err := handle.Snapshot()
			if err != nil {
				continue
			}
			status.RecordUpdate(snap)

			report, err := json.Marshal(snap)
			if err != nil {
				log.Printf("marshal report: %v", err)
				continue
			}
			connPool.Broadcast <- report
			hub.Publish(report)
			if pub != nil {
				if err := pub.Publish(report); err != nil {
					log.Printf("mqtt publish: %v", err)
				}
			}
			observability.ReportsPublished.Inc()
		}
	}
}
