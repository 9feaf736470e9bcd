package playback

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func collectEvent(t *testing.T, events <-chan ElementEvent, want ElementEventKind) ElementEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", want)
		}
	}
}

func TestHTTPElementPlaysAndEnds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	el := NewHTTPElement(HTTPElementConfig{})
	defer el.Close()
	events, cancel := el.Events()
	defer cancel()

	if err := el.Play(srv.URL); err != nil {
		t.Fatal(err)
	}
	collectEvent(t, events, ElementPlaying)
	collectEvent(t, events, ElementEnded)
}

func TestHTTPElementReportsFailureOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	el := NewHTTPElement(HTTPElementConfig{})
	defer el.Close()
	events, cancel := el.Events()
	defer cancel()

	el.Play(srv.URL)
	collectEvent(t, events, ElementFailed)
}

func TestHTTPElementDetectsStall(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block // stop sending without closing
	}))
	defer srv.Close()
	// Unblock the parked handler before srv.Close waits on it.
	defer close(block)

	el := NewHTTPElement(HTTPElementConfig{StallTimeout: 50 * time.Millisecond})
	defer el.Close()
	events, cancel := el.Events()
	defer cancel()

	el.Play(srv.URL)
	collectEvent(t, events, ElementPlaying)
	collectEvent(t, events, ElementStalled)
}

func TestHTTPElementStopSilencesEvents(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	el := NewHTTPElement(HTTPElementConfig{})
	defer el.Close()
	events, cancel := el.Events()
	defer cancel()

	el.Play(srv.URL)
	collectEvent(t, events, ElementPlaying)
	el.Stop()

	select {
	case ev := <-events:
		t.Fatalf("unexpected %v event after stop", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHTTPElementOldStallDoesNotCancelNewFetch(t *testing.T) {
	block := make(chan struct{})
	stallSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer stallSrv.Close()
	defer close(block)

	// Streams past the point where the first fetch's watchdog fires.
	liveSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, _ := w.(http.Flusher)
		for i := 0; i < 140; i++ {
			if _, err := w.Write(make([]byte, 64)); err != nil {
				return
			}
			if f != nil {
				f.Flush()
			}
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer liveSrv.Close()

	el := NewHTTPElement(HTTPElementConfig{StallTimeout: 50 * time.Millisecond})
	defer el.Close()
	events, cancel := el.Events()
	defer cancel()

	el.Play(stallSrv.URL)
	collectEvent(t, events, ElementPlaying)
	el.Play(liveSrv.URL)

	// The superseded fetch stalls out in the background; the new fetch
	// must keep playing to its natural end.
	collectEvent(t, events, ElementPlaying)
	collectEvent(t, events, ElementEnded)
}
