// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads and validates the daemon's TOML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml"

	"gitlab.com/postmarketOS/gnssd/internal/gnss"
)

// Serial configures the serial and stm drivers.
type Serial struct {
	Path     string `toml:"path"`
	BaudRate int    `toml:"baud_rate"`
	Dialect  string `toml:"dialect"`
}

// I2C configures the i2c driver. An empty bus name selects the first
// available bus; a zero address selects the PA1010D default.
type I2C struct {
	Bus     string `toml:"bus"`
	Address uint16 `toml:"address"`
}

// Gpsd configures the gpsd driver.
type Gpsd struct {
	Address string `toml:"address"`
}

// Sim configures the simulated driver's track center.
type Sim struct {
	Latitude  float64 `toml:"latitude"`
	Longitude float64 `toml:"longitude"`
	Altitude  float64 `toml:"altitude"`
}

// MQTT configures the optional fix report sink. Publishing is enabled
// when a broker is set.
type MQTT struct {
	Broker   string `toml:"broker"`
	ClientID string `toml:"client_id"`
	Topic    string `toml:"topic"`
}

// Web configures the optional status/stream/metrics listener, enabled
// when a listen address is set.
type Web struct {
	Listen string `toml:"listen"`
}

// PPS configures the optional PPS pulse watcher, enabled when a GPIO
// chip is set.
type PPS struct {
	Chip string `toml:"chip"`
	Line int    `toml:"line"`
}

type Config struct {
	Socket         string   `toml:"socket"`
	OwnerGroup     string   `toml:"group"`
	Driver         string   `toml:"driver"`
	Systems        []string `toml:"systems"`
	CachePath      string   `toml:"agps_directory"`
	UpdateInterval string   `toml:"update_interval"`
	AlwaysOn       bool     `toml:"always_on"`

	Serial Serial `toml:"serial"`
	I2C    I2C    `toml:"i2c"`
	Gpsd   Gpsd   `toml:"gpsd"`
	Sim    Sim    `toml:"sim"`
	MQTT   MQTT   `toml:"mqtt"`
	Web    Web    `toml:"web"`
	PPS    PPS    `toml:"pps"`

	interval time.Duration
	systems  []gnss.SatelliteSystem
}

// Parse reads the configuration file, fills in defaults and validates
// the result.
func Parse(file string) (c *Config, err error) {
	contents, err := os.ReadFile(file)
	if err != nil {
		err = fmt.Errorf("config/Parse: %w", err)
		return
	}

	c = &Config{}

	if err = toml.Unmarshal(contents, c); err != nil {
		err = fmt.Errorf("config/Parse: %w", err)
		return
	}

	c.applyDefaults()
	if err = c.validate(); err != nil {
		c = nil
		return
	}

	return
}

func (c *Config) applyDefaults() {
	if c.Socket == "" {
		c.Socket = "/var/run/gnssd.sock"
	}
	if c.Driver == "" {
		c.Driver = "serial"
	}
	if len(c.Systems) == 0 {
		c.Systems = []string{"gps", "glonass"}
	}
	if c.CachePath == "" {
		c.CachePath = "/var/cache/gnssd"
	}
	if c.UpdateInterval == "" {
		c.UpdateInterval = "1s"
	}
}

func (c *Config) validate() error {
	switch c.Driver {
	case "serial", "stm", "stm_serial":
		if c.Serial.Path == "" {
			return fmt.Errorf("config: driver %q requires serial.path", c.Driver)
		}
		switch c.Serial.Dialect {
		case "", "pmtk", "ubx":
		default:
			return fmt.Errorf("config: unknown serial.dialect %q", c.Serial.Dialect)
		}
	case "i2c", "gpsd", "sim":
	default:
		return fmt.Errorf("config: unknown driver %q", c.Driver)
	}

	interval, err := time.ParseDuration(c.UpdateInterval)
	if err != nil {
		return fmt.Errorf("config: bad update_interval: %w", err)
	}
	if interval <= 0 {
		return fmt.Errorf("config: update_interval must be positive, got %q", c.UpdateInterval)
	}
	c.interval = interval

	c.systems = c.systems[:0]
	for _, name := range c.Systems {
		s, err := gnss.ParseSatelliteSystem(name)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		c.systems = append(c.systems, s)
	}

	return nil
}

// Interval returns the parsed update_interval.
func (c *Config) Interval() time.Duration {
	return c.interval
}

// SatelliteSystems returns the parsed satellite system selection, in
// configuration order.
func (c *Config) SatelliteSystems() []gnss.SatelliteSystem {
	return c.systems
}
