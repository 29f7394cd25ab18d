// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package publish sends fix reports to an MQTT broker.
package publish

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultClientID = "gnssd"
	defaultTopic    = "gnss/fix"
)

// newClient is swapped out by tests.
var newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// Options selects the broker and topic. ClientID and Topic fall back to
// "gnssd" and "gnss/fix".
type Options struct {
	Broker   string
	ClientID string
	Topic    string
}

// Publisher is a connected MQTT sink for fix reports.
type Publisher struct {
	client mqtt.Client
	topic  string
}

// Connect dials the broker and returns a ready publisher.
func Connect(opts Options) (*Publisher, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("publish: no broker configured")
	}
	if opts.ClientID == "" {
		opts.ClientID = defaultClientID
	}
	if opts.Topic == "" {
		opts.Topic = defaultTopic
	}

	mopts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID)

	client := newClient(mopts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("publish: connect to %s: %w", opts.Broker, token.Error())
	}
	return &Publisher{client: client, topic: opts.Topic}, nil
}

// Publish sends one fix report, retained so a late subscriber sees the
// latest position immediately.
func (p *Publisher) Publish(report []byte) error {
	token := p.client.Publish(p.topic, 0, true, report)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Topic returns the topic reports are published to.
func (p *Publisher) Topic() string {
	return p.topic
}

// Close disconnects from the broker, allowing a short grace period for
// in-flight messages.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
