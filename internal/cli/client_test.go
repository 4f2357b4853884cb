package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"reflexduel/internal/event"
)

func TestStreamEventsParsesFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/battles/B1/events" || r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, `{"error":"nope"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": connected\n\n")
		fmt.Fprint(w, "event: attack_started\ndata: {\"type\":\"attack_started\",\"battle_id\":\"B1\"}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "event: battle_resolved\ndata: {\"type\":\"battle_resolved\",\"battle_id\":\"B1\",\"winner_id\":\"u1\"}\n\n")
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	var got []event.Event
	err := c.StreamEvents(context.Background(), "tok", "B1", func(ev event.Event) bool {
		got = append(got, ev)
		return true
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(got) != 2 || got[0].Type != event.AttackStarted || got[1].WinnerID != "u1" {
		t.Fatalf("events: %+v", got)
	}

	err = c.StreamEvents(context.Background(), "bad", "B1", func(event.Event) bool { return true })
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized || se.Message != "nope" {
		t.Fatalf("err=%v", err)
	}
}

func TestResolveIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"status":"incomplete","battle_id":"B1"}`)
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL).Resolve(context.Background(), "tok", "B1")
	if err != nil || !res.Incomplete() {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{&StatusError{StatusCode: http.StatusServiceUnavailable}, true},
		{&StatusError{StatusCode: http.StatusConflict}, false},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Fatalf("IsTransient(%v)=%v want %v", tc.err, got, tc.want)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	if _, err := LoadSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err=%v want ErrNoSession", err)
	}
	if err := SaveSession(Session{AccessToken: "tok", UserID: "u1", Email: "p@example.com"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	s, err := LoadSession()
	if err != nil || s.UserID != "u1" || s.SavedAt.IsZero() {
		t.Fatalf("load: %+v %v", s, err)
	}
	if err := ClearSession(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if err := ClearSession(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
	if _, err := LoadSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("after clear err=%v", err)
	}
}
