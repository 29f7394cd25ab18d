// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

// Package server exposes the position feed on a unix socket. Every
// connected client receives each report broadcast through the pool; the
// daemon is told when the first client arrives and when the last one
// leaves so it can power the receiver on demand.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"sync/atomic"

	"gitlab.com/postmarketOS/gnssd/internal/pool"
)

type Server struct {
	socket    string
	sockGroup string
	connPool  *pool.Pool
	sock      net.Listener
	startChan chan<- bool
	stopChan  chan<- bool

	clients  int32
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server listening on the given unix socket path. The
// server sends 'true' to startChan when the first client connects, and
// 'true' to stopChan when the last client disconnects. Messages
// broadcast through connPool are forwarded to all connected clients.
// When sockGroup is not empty the socket is chowned to that group.
func New(socket string, sockGroup string, startChan chan<- bool, stopChan chan<- bool, connPool *pool.Pool) (s *Server) {
	s = &Server{
		socket:    socket,
		sockGroup: sockGroup,
		startChan: startChan,
		stopChan:  stopChan,
		connPool:  connPool,
		quit:      make(chan struct{}),
	}

	return
}

// Start binds the socket and launches the connection handler. It
// returns once the server is accepting connections.
func (s *Server) Start() (err error) {
	if err := os.RemoveAll(s.socket); err != nil {
		return fmt.Errorf("server/Server.Start: %w", err)
	}

	s.sock, err = net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("server/Server.Start: %w", err)
	}

	if err := os.Chmod(s.socket, 0660); err != nil {
		s.sock.Close()
		return fmt.Errorf("server/Server.Start: %w", err)
	}

	if s.sockGroup != "" {
		group, err := user.LookupGroup(s.sockGroup)
		if err != nil {
			s.sock.Close()
			return fmt.Errorf("server/Server.Start: %w", err)
		}

		gid, err := strconv.ParseInt(group.Gid, 10, 32)
		if err != nil {
			s.sock.Close()
			return fmt.Errorf("server/Server.Start: %w", err)
		}

		if err := os.Chown(s.socket, -1, int(gid)); err != nil {
			s.sock.Close()
			return fmt.Errorf("server/Server.Start: %w", err)
		}
	}

	log.Printf("accepting connections at %s", s.socket)
	s.wg.Add(1)
	go s.connectionHandler()

	return nil
}

// Stop closes the listener and all client connections, then waits for
// their handlers to finish. Stop the server before stopping the pool:
// handlers unregister their clients on the way out.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
		if s.sock != nil {
			s.sock.Close()
		}
		s.wg.Wait()
		os.Remove(s.socket)
	})
}

func (s *Server) connectionHandler() {
	defer s.wg.Done()

	for {
		conn, err := s.sock.Accept()
		if err != nil {
			select {
			case <-s.quit:
			default:
				if !errors.Is(err, net.ErrClosed) {
					log.Printf("server/Server.connectionHandler: %v", err)
				}
			}
			return
		}

		n := atomic.AddInt32(&s.clients, 1)
		log.Printf("client connected (%d total)", n)
		if n == 1 {
			// first client in, power the receiver up
			select {
			case s.startChan <- true:
			case <-s.quit:
				conn.Close()
				return
			}
		}

		client := pool.NewClient(conn)
		s.connPool.Register <- client

		s.wg.Add(1)
		go s.clientConnection(client)
	}
}

// Routine run for each client connection.
func (s *Server) clientConnection(c *pool.Client) {
	defer s.wg.Done()
	defer func() {
		s.connPool.Unregister <- c
		c.Conn.Close()

		n := atomic.AddInt32(&s.clients, -1)
		log.Printf("client disconnected (%d total)", n)
		if n == 0 {
			// last client out, the receiver may be powered down
			select {
			case s.stopChan <- true:
			case <-s.quit:
			}
		}
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				return
			}
			if _, err := c.Conn.Write(msg); err != nil {
				return
			}
		case <-s.quit:
			return
		}
	}
}
