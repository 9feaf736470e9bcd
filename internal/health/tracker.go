package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/wildcastradio/aircast/internal/event"
)

// Source says which channel produced a report.
type Source int

const (
	SourcePush Source = iota // live status message on the websocket
	SourcePull               // REST status poll
)

func (s Source) String() string {
	if s == SourcePush {
		return "push"
	}
	return "pull"
}

// Report is one raw status observation from either channel. Both the
// push payload and the pull endpoint carry the full field set; the
// server-side peak merges into the snapshot via max, never overwrite.
type Report struct {
	Healthy       bool
	Recovering    bool
	Live          bool
	Listeners     int
	PeakListeners int
	Bitrate       int
	ErrorMessage  string
	At            time.Time
}

// Snapshot is the merged view of stream health.
type Snapshot struct {
	Healthy       bool
	Recovering    bool
	Live          bool
	Listeners     int
	PeakListeners int
	Bitrate       int
	ErrorMessage  string
	LastCheckedAt time.Time
	Source        Source
}

// Tracker merges push and pull status reports into one snapshot. Push
// reports always win; a pull report older than the latest push is
// discarded. The checked-at timestamp never moves backwards and the
// listener peak only ever grows.
type Tracker struct {
	log *slog.Logger

	mu       sync.Mutex
	snap     Snapshot
	seen     bool
	lastPush time.Time

	updates    *event.Emitter[Snapshot]
	recoveries *event.Emitter[Snapshot]
}

func NewTracker(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		log:        log.With("component", "health"),
		updates:    event.New[Snapshot]("health-updates"),
		recoveries: event.New[Snapshot]("health-recoveries"),
	}
}

// Updates emits the merged snapshot after every accepted report.
func (t *Tracker) Updates() (<-chan Snapshot, func()) { return t.updates.Subscribe() }

// Recoveries emits on the recovering→healthy edge (a server-side pipeline
// self-heal) and on a down→live flip — the edges the playback controller
// uses to auto-resume. An edge, not a level: staying healthy emits nothing.
func (t *Tracker) Recoveries() (<-chan Snapshot, func()) { return t.recoveries.Subscribe() }

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// ApplyPush records a websocket status report.
func (t *Tracker) ApplyPush(r Report) {
	t.mu.Lock()
	if r.At.IsZero() {
		r.At = time.Now()
	}
	t.lastPush = r.At
	t.applyLocked(r, SourcePush)
}

// ApplyPull records a REST poll result. Stale polls — older than the
// newest push report — are dropped.
func (t *Tracker) ApplyPull(r Report) {
	t.mu.Lock()
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if r.At.Before(t.lastPush) {
		t.mu.Unlock()
		t.log.Debug("dropping stale pull report", "at", r.At)
		return
	}
	t.applyLocked(r, SourcePull)
}

// applyLocked merges a report and publishes. Unlocks t.mu.
func (t *Tracker) applyLocked(r Report, src Source) {
	wasLive := t.snap.Live
	wasRecovering := t.snap.Recovering
	seen := t.seen
	t.seen = true

	t.snap.Healthy = r.Healthy
	t.snap.Recovering = r.Recovering
	t.snap.Live = r.Live
	t.snap.Listeners = r.Listeners
	t.snap.Bitrate = r.Bitrate
	t.snap.ErrorMessage = r.ErrorMessage
	if r.Listeners > t.snap.PeakListeners {
		t.snap.PeakListeners = r.Listeners
	}
	if r.PeakListeners > t.snap.PeakListeners {
		t.snap.PeakListeners = r.PeakListeners
	}
	if r.At.After(t.snap.LastCheckedAt) {
		t.snap.LastCheckedAt = r.At
	}
	t.snap.Source = src

	snap := t.snap
	selfHealed := wasRecovering && !snap.Recovering && snap.Healthy
	cameUp := !wasLive && snap.Live
	recovered := seen && (selfHealed || cameUp)
	t.mu.Unlock()

	t.updates.Publish(snap)
	if recovered {
		t.log.Info("stream is healthy again", "source", src.String(), "listeners", snap.Listeners)
		t.recoveries.Publish(snap)
	}
}

// Close releases all subscriptions.
func (t *Tracker) Close() {
	t.updates.Close()
	t.recoveries.Close()
}
