// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package web

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gitlab.com/postmarketOS/gnssd/internal/gnss"
	_ "gitlab.com/postmarketOS/gnssd/internal/observability"
)

func testSnapshot() gnss.Snapshot {
	return gnss.Snapshot{
		Latitude:  48.1173,
		Longitude: 11.5167,
		Altitude:  545.4,
		Time:      "2025-08-23T12:35:19Z",
		Fix:       "3d",
		FixMode:   2,
	}
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus("sim", "gps+glonass")
	st.SetClientCounter(func() int { return 3 })
	st.SetPPSSource(func() (uint64, time.Time) {
		return 7, time.Date(2025, 8, 23, 12, 35, 19, 0, time.UTC)
	})
	st.RecordUpdate(testSnapshot())
	st.RecordUpdateError()

	ts := httptest.NewServer(Handler(st, NewHub()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}

	var snap StatusSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if snap.Service != "gnssd" {
		t.Errorf("service=%q", snap.Service)
	}
	if snap.Driver != "sim" || snap.Systems != "gps+glonass" {
		t.Errorf("driver=%q systems=%q", snap.Driver, snap.Systems)
	}
	if snap.Clients != 3 {
		t.Errorf("clients=%d", snap.Clients)
	}
	if snap.Updates != 2 || snap.UpdateErrors != 1 {
		t.Errorf("updates=%d errors=%d", snap.Updates, snap.UpdateErrors)
	}
	if snap.LastFix == nil || snap.LastFix.Fix != "3d" || snap.LastFix.Latitude != 48.1173 {
		t.Errorf("last_fix=%+v", snap.LastFix)
	}
	if snap.PPS == nil || snap.PPS.Pulses != 7 || !strings.HasPrefix(snap.PPS.LastPulseUTC, "2025-08-23T12:35:19") {
		t.Errorf("pps=%+v", snap.PPS)
	}
	if snap.UptimeSec < 0 {
		t.Errorf("uptime_sec=%d", snap.UptimeSec)
	}
}

func TestAPIStatusMethodNotAllowed(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus("sim", "gps"), NewHub()))
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
}

func TestAPIPosition(t *testing.T) {
	st := NewStatus("sim", "gps")
	ts := httptest.NewServer(Handler(st, NewHub()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/position")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status code=%d before first fix", resp.StatusCode)
	}
	if !strings.Contains(string(body), "no data yet") {
		t.Errorf("body=%q", body)
	}

	st.RecordUpdate(testSnapshot())

	resp, err = http.Get(ts.URL + "/api/position")
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	var fix gnss.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&fix); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if fix.Latitude != 48.1173 || fix.Fix != "3d" {
		t.Errorf("fix=%+v", fix)
	}
}

func TestStream(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(Handler(NewStatus("sim", "gps"), hub))
	defer ts.Close()

	// a report published before the client connects is delivered as the
	// initial sample
	hub.Publish([]byte(`{"fix":"2d"}`))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read initial sample: %v", err)
	}
	if kind != websocket.TextMessage || string(msg) != `{"fix":"2d"}` {
		t.Errorf("initial sample: kind=%d msg=%q", kind, msg)
	}

	hub.Publish([]byte(`{"fix":"3d"}`))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if string(msg) != `{"fix":"3d"}` {
		t.Errorf("report=%q", msg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := httptest.NewServer(Handler(NewStatus("sim", "gps"), NewHub()))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "gnssd_updates_total") {
		t.Error("expected gnssd metrics in /metrics output")
	}
}
