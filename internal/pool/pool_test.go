// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"fmt"
	"testing"
	"time"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPoolBroadcast(t *testing.T) {
	p := New()
	go p.Start()
	defer p.Stop()

	a := NewClient(nil)
	b := NewClient(nil)
	p.Register <- a
	p.Register <- b
	waitFor(t, "both clients registered", func() bool { return p.Count() == 2 })

	p.Broadcast <- []byte(`{"fix":"3d"}`)

	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.Send:
			if string(msg) != "{\"fix\":\"3d\"}\n" {
				t.Errorf("unexpected message: %q", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestPoolUnregister(t *testing.T) {
	p := New()
	go p.Start()
	defer p.Stop()

	c := NewClient(nil)
	p.Register <- c
	waitFor(t, "client registered", func() bool { return p.Count() == 1 })

	p.Unregister <- c
	waitFor(t, "client unregistered", func() bool { return p.Count() == 0 })

	select {
	case _, ok := <-c.Send:
		if ok {
			t.Error("expected Send to be closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send not closed after unregister")
	}

	// a second unregister of the same client must be harmless
	p.Unregister <- c
	waitFor(t, "count still zero", func() bool { return p.Count() == 0 })
}

func TestPoolDropsSlowClient(t *testing.T) {
	p := New()
	go p.Start()

	slow := NewClient(nil)
	p.Register <- slow
	waitFor(t, "client registered", func() bool { return p.Count() == 1 })

	// overflow the client queue without draining it
	total := clientQueue + 3
	for i := 0; i < total; i++ {
		p.Broadcast <- []byte(fmt.Sprintf("report %d", i))
	}

	// Stop drains the pool loop, so every broadcast above has been
	// handled once it returns.
	p.Stop()

	var got []string
	for msg := range slow.Send {
		got = append(got, string(msg))
	}
	if len(got) != clientQueue {
		t.Fatalf("expected %d queued reports, got %d", clientQueue, len(got))
	}
	for i, msg := range got {
		expected := fmt.Sprintf("report %d\n", i)
		if msg != expected {
			t.Errorf("report %d: expected %q, got %q", i, expected, msg)
		}
	}
}

func TestPoolStopClosesClients(t *testing.T) {
	p := New()
	go p.Start()

	c := NewClient(nil)
	p.Register <- c
	waitFor(t, "client registered", func() bool { return p.Count() == 1 })

	p.Stop()

	if _, ok := <-c.Send; ok {
		t.Error("expected Send to be closed after Stop")
	}
	if p.Count() != 0 {
		t.Errorf("expected count 0 after Stop, got %d", p.Count())
	}
}
