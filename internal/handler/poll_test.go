package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/disasterwatch/internal/model"
	"github.com/disasterwatch/internal/state"
	"github.com/disasterwatch/internal/ws"
)

func pollServer(t *testing.T) (*httptest.Server, *ws.Hub) {
	t.Helper()
	hub := ws.NewHub(state.New(), nil, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	pollH := NewPollHandler(hub)
	r := chi.NewRouter()
	r.Post("/api/poll", pollH.Open)
	r.Get("/api/poll/{sessionID}", pollH.Poll)
	r.Post("/api/poll/{sessionID}/events", pollH.Submit)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func openPollSession(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/poll", "application/json", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open: status %d", resp.StatusCode)
	}
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.SessionID == "" {
		t.Fatalf("open: bad body (%v)", err)
	}
	return body.SessionID
}

func pollOnce(t *testing.T, srv *httptest.Server, sessionID string) []struct {
	Type    ws.EventType    `json:"type"`
	Payload json.RawMessage `json:"payload"`
} {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/poll/" + sessionID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("poll: status %d", resp.StatusCode)
	}
	var events []struct {
		Type    ws.EventType    `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("poll decode: %v", err)
	}
	return events
}

func TestPollSessionGetsSnapshotAndBroadcasts(t *testing.T) {
	srv, hub := pollServer(t)
	sessionID := openPollSession(t, srv)

	// Registration queues the initial snapshot.
	events := pollOnce(t, srv, sessionID)
	if len(events) == 0 || events[0].Type != ws.EventInitialReports {
		t.Fatalf("expected initial_reports first, got %+v", events)
	}

	// A submission from elsewhere must reach the poll session.
	if _, err := hub.InjectSubmit(context.Background(), model.Report{Type: "flood"}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	events = pollOnce(t, srv, sessionID)
	if len(events) != 1 || events[0].Type != ws.EventNewReport {
		t.Fatalf("expected new_report, got %+v", events)
	}
}

func TestPollSubmitRoundTrip(t *testing.T) {
	srv, _ := pollServer(t)
	sessionID := openPollSession(t, srv)
	pollOnce(t, srv, sessionID) // consume snapshot

	body := `{"type":"submit_report","payload":{"type":"fire","description":"smoke"}}`
	resp, err := http.Post(srv.URL+"/api/poll/"+sessionID+"/events", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}

	// Broadcast and ack may land in separate poll cycles.
	types := make(map[ws.EventType]bool)
	for i := 0; i < 3 && (!types[ws.EventNewReport] || !types[ws.EventReportSubmitted]); i++ {
		for _, ev := range pollOnce(t, srv, sessionID) {
			types[ev.Type] = true
		}
	}
	if !types[ws.EventNewReport] || !types[ws.EventReportSubmitted] {
		t.Fatalf("expected broadcast and ack, got %+v", types)
	}
}

func TestPollUnknownSessionIs404(t *testing.T) {
	srv, _ := pollServer(t)
	resp, err := http.Get(srv.URL + "/api/poll/nope")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/poll/nope/events", "application/json", strings.NewReader(`{"type":"get_reports"}`))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
