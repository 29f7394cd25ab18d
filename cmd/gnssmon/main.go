// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gitlab.com/postmarketOS/gnssd/internal/gnss"
)

func usage() {
	flag.CommandLine.Usage()
}

func main() {
	var driver string
	flag.StringVar(&driver, "driver", "stm", "Receiver driver: serial, stm, stm_serial, i2c, gpsd or sim.")
	var device string
	flag.StringVar(&device, "device", "", "Device path (serial/stm), i2c bus or gpsd address. Defaults per driver.")
	var baud int
	flag.IntVar(&baud, "baud", 9600, "Baud rate for serial devices.")
	var dialect string
	flag.StringVar(&dialect, "dialect", "", "Serial protocol dialect: pmtk or ubx.")
	var systemsFlag string
	flag.StringVar(&systemsFlag, "systems", "gps,glonass", "Comma-separated satellite systems to track.")
	var interval time.Duration
	flag.DurationVar(&interval, "interval", time.Second, "Delay between position updates.")
	var count int
	flag.IntVar(&count, "count", 0, "Number of updates to print before quitting, 0 for no limit.")
	var help bool
	flag.BoolVar(&help, "h", false, "Print help and quit.")

	flag.Usage = func() {
		fmt.Println("usage: gnssmon [OPTION...] [COMMAND]")
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println("Commands (stm drivers only):")
		fmt.Printf("  %-22s\t%s\n", "[none]", "Monitor the receiver's position.")
		fmt.Printf("  %-22s\t%s\n", "get <CDB-ID>", "Get CDB-ID value.")
		fmt.Printf("  %-22s\t%s\n", "set <CDB-ID> <value>", "Set CDB-ID to given value.")
		fmt.Printf("  %-22s\t%s\n", "restore", "Restore module config to factory defaults.")
		fmt.Printf("  %-22s\t%s\n", "reset", "Reset the module.")
	}

	flag.Parse()

	if help {
		usage()
		return
	}

	rec, err := buildReceiver(driver, device, dialect, baud)
	if err != nil {
		log.Fatal(err)
	}

	switch cmd := flag.Arg(0); cmd {
	case "restore":
		if err := stmReceiver(rec, cmd).Restore(); err != nil {
			log.Fatal(err)
		}
		return
	case "reset":
		if err := stmReceiver(rec, cmd).Reset(); err != nil {
			log.Fatal(err)
		}
		return
	case "set":
		if len(flag.Args()) < 3 {
			usage()
			return
		}
		cdb, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			log.Fatalf("invalid argument %q: %s", flag.Arg(1), err)
		}
		value, err := strconv.ParseUint(flag.Arg(2), 0, 64)
		if err != nil {
			log.Fatalf("invalid argument %q: %s", flag.Arg(2), err)
		}
		if err := stmReceiver(rec, cmd).SetParam(cdb, value); err != nil {
			log.Fatal(err)
		}
		return
	case "get":
		if len(flag.Args()) < 2 {
			usage()
			return
		}
		cdb, err := strconv.Atoi(flag.Arg(1))
		if err != nil {
			log.Fatalf("invalid argument %q: %s", flag.Arg(1), err)
		}
		val, err := stmReceiver(rec, cmd).GetParam(cdb)
		if err != nil {
			log.Fatalf("unable to get CDB ID %d: %s", cdb, err)
		}
		fmt.Printf("%d: 0x%02X\n", cdb, val)
		return
	default:
		if cmd != "" {
			fmt.Printf("Unknown command: %q\n", cmd)
			usage()
			return
		}
	}

	systems, err := parseSystems(systemsFlag)
	if err != nil {
		log.Fatal(err)
	}

	monitor(rec, systems, interval, count)
}

func buildReceiver(driver, device, dialect string, baud int) (gnss.Receiver, error) {
	switch driver {
	case "serial":
		if device == "" {
			device = "/dev/ttyUSB0"
		}
		return gnss.NewSerialReceiver(gnss.SerialConfig{
			Path:    device,
			Baud:    baud,
			Dialect: gnss.SerialDialect(dialect),
		}), nil
	case "stm":
		if device == "" {
			device = "/dev/gnss0"
		}
		return gnss.NewStmReceiver(gnss.StmConfig{Path: device, Baud: baud, Kernel: true}), nil
	case "stm_serial":
		if device == "" {
			device = "/dev/gnss0"
		}
		return gnss.NewStmReceiver(gnss.StmConfig{Path: device, Baud: baud}), nil
	case "i2c":
		return gnss.NewI2CReceiver(gnss.I2CConfig{Bus: device}), nil
	case "gpsd":
		return gnss.NewGpsdReceiver(gnss.GpsdConfig{Address: device}), nil
	case "sim":
		return gnss.NewSimReceiver(gnss.SimConfig{}), nil
	}
	return nil, fmt.Errorf("unknown driver %q", driver)
}

func stmReceiver(rec gnss.Receiver, cmd string) *gnss.StmReceiver {
	stm, ok := rec.(*gnss.StmReceiver)
	if !ok {
		log.Fatalf("command %q requires an stm driver", cmd)
	}
	return stm
}

func parseSystems(arg string) ([]gnss.SatelliteSystem, error) {
	var systems []gnss.SatelliteSystem
	for _, name := range strings.Split(arg, ",") {
		s, err := gnss.ParseSatelliteSystem(name)
		if err != nil {
			return nil, err
		}
		systems = append(systems, s)
	}
	return systems, nil
}

func monitor(rec gnss.Receiver, systems []gnss.SatelliteSystem, interval time.Duration, count int) {
	handle, err := gnss.New(rec, systems...)
	if err != nil {
		log.Fatal(err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	printed := 0
	for {
		select {
		case <-sigChan:
			fmt.Println()
			if err := handle.Deinit(); err != nil {
				log.Fatal(err)
			}
			return
		case <-ticker.C:
			if err := handle.Update(); err != nil {
				log.Printf("update: %v", err)
				continue
			}

			fix, err := handle.Fix()
			if err != nil {
				log.Fatal(err)
			}
			if !fix.Valid() {
				fmt.Println("Waiting for fix...")
			} else {
				lat, _ := handle.Latitude()
				lon, _ := handle.Longitude()
				alt, _ := handle.Altitude()
				ts, _ := handle.Timestamp()
				fmt.Printf("%s  lat %11.6f  lon %11.6f  alt %7.1f m  fix %s\n",
					ts.Format(time.RFC3339), lat, lon, alt, fix)
			}

			printed++
			if count > 0 && printed >= count {
				if err := handle.Deinit(); err != nil {
					log.Fatal(err)
				}
				return
			}
		}
	}
}
