package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wildcastradio/aircast/internal/auth"
)

func TestCreateBroadcastSendsAuthAndPayload(t *testing.T) {
	var gotAuth, gotTitle string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		gotTitle = body["title"]
		json.NewEncoder(w).Encode(Broadcast{ID: "b1", Title: body["title"], Status: "created"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static("tok123"), nil)
	b, err := c.CreateBroadcast(context.Background(), "Morning Show", "")
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "b1" {
		t.Fatalf("broadcast id = %q", b.ID)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotTitle != "Morning Show" {
		t.Fatalf("title = %q", gotTitle)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static(""), nil)
	if err := c.EndBroadcast(context.Background(), "b1"); err != nil {
		t.Fatalf("EndBroadcast after recovery = %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
}

func TestRetryGivesUpAfterBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static(""), nil)
	err := c.EndBroadcast(context.Background(), "b1")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want 500 StatusError", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want exactly 3 attempts", calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static(""), nil)
	err := c.EndBroadcast(context.Background(), "b1")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestActiveBroadcastNotFoundMeansNone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static(""), nil)
	b, err := c.ActiveBroadcast(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("broadcast = %+v, want nil", b)
	}
}

func TestFetchStatusShapesReport(t *testing.T) {
	checked := time.Now().Add(-time.Minute).Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(StreamStatus{
			Healthy:       true,
			Recovering:    false,
			BroadcastLive: true,
			ListenerCount: 7,
			Bitrate:       192,
			LastCheckedAt: &checked,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.Static(""), nil)
	report, err := c.FetchStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.Healthy || !report.Live || report.Listeners != 7 || report.Bitrate != 192 {
		t.Fatalf("report = %+v", report)
	}
	if !report.At.Equal(checked) {
		t.Fatalf("report.At = %v, want %v", report.At, checked)
	}
}
