// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package pool fans position reports out to connected clients. A single
// goroutine owns the client set; registration, removal and broadcast all
// go through channels.
package pool

import (
	"net"
	"sync/atomic"

	"gitlab.com/postmarketOS/gnssd/internal/observability"
)

// clientQueue is the per-client send buffer. A client that stops
// draining its queue misses reports instead of stalling the pool.
const clientQueue = 16

// Client is one consumer of the broadcast feed. The pool closes Send
// when the client is unregistered.
type Client struct {
	Send chan []byte
	Conn net.Conn
}

// NewClient wraps a connection for registration with a Pool.
func NewClient(conn net.Conn) *Client {
	return &Client{
		Send: make(chan []byte, clientQueue),
		Conn: conn,
	}
}

// Pool broadcasts each message to every registered client.
type Pool struct {
	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan []byte

	clients map[*Client]bool
	count   int32
	quit    chan struct{}
	done    chan struct{}
}

func New() *Pool {
	return &Pool{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan []byte),
		clients:    make(map[*Client]bool),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the pool loop until Stop is called. Run it on its own
// goroutine.
func (p *Pool) Start() {
	defer close(p.done)

	for {
		select {
		case c := <-p.Register:
			p.clients[c] = true
			p.setCount()
		case c := <-p.Unregister:
			if _, ok := p.clients[c]; ok {
				delete(p.clients, c)
				close(c.Send)
			}
			p.setCount()
		case msg := <-p.Broadcast:
			line := make([]byte, 0, len(msg)+1)
			line = append(line, msg...)
			line = append(line, '\n')
			for c := range p.clients {
				select {
				case c.Send <- line:
				default:
					// queue full, skip this report for the client
				}
			}
		case <-p.quit:
			for c := range p.clients {
				delete(p.clients, c)
				close(c.Send)
			}
			p.setCount()
			return
		}
	}
}

// Stop terminates the pool loop and closes every registered client's
// Send channel.
func (p *Pool) Stop() {
	close(p.quit)
	<-p.done
}

// Count returns the number of registered clients. Safe to call from any
// goroutine.
func (p *Pool) Count() int {
	return int(atomic.LoadInt32(&p.count))
}

func (p *Pool) setCount() {
	n := len(p.clients)
	atomic.StoreInt32(&p.count, int32(n))
	observability.ClientsConnected.Set(float64(n))
}
