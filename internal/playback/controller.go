package playback

import (
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/wildcastradio/aircast/internal/backoff"
	"github.com/wildcastradio/aircast/internal/event"
	"github.com/wildcastradio/aircast/internal/metrics"
	"github.com/wildcastradio/aircast/internal/netmon"
)

// State is the controller's externally visible playback state.
type State int

const (
	Idle State = iota
	Playing
	Paused
	// Recovering means the listener wants audio but the stream is down
	// and retries are in flight (or exhausted, waiting for a re-arm).
	Recovering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Recovering:
		return "recovering"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a point-in-time snapshot of the controller.
type Status struct {
	State      State
	StreamURL  string
	Volume     int
	Muted      bool
	RetryCount int
	TimeHint   time.Duration
}

// SavedState is what survives restarts. TimeHint is how long the listener
// had been hearing audio, a hint for the UI on restart, not a seek target.
type SavedState struct {
	IsPlaying bool
	StreamURL string
	Volume    int
	Muted     bool
	TimeHint  time.Duration
}

// HealthProbe reports the broadcast's server-side health: whether it is
// live and whether its pipeline is self-repairing.
type HealthProbe func() (live, recovering bool)

// Store persists listener playback state across runs.
type Store interface {
	SavePlayback(s SavedState) error
	LoadPlayback() (SavedState, bool, error)
}

// DefaultVolume applies when no saved state exists.
const DefaultVolume = 80

// Config assembles a Controller.
type Config struct {
	Element Element
	// Policy drives recovery retries. Nil gets the playback default of
	// six attempts.
	Policy *backoff.Policy
	Store  Store
	Net    *netmon.Monitor
	// Health gates recovery: retries park while the broadcast is neither
	// live nor recovering, since reloading a dead stream cannot succeed.
	// Nil means always retry.
	Health HealthProbe
	Stats  *metrics.Set
	Log    *slog.Logger
}

// Controller runs the listener-side playback state machine. It tracks the
// user's intent (play or pause) separately from what the element is
// actually doing, so a dropped stream recovers without forgetting that
// the user pressed pause meanwhile.
type Controller struct {
	element Element
	policy  *backoff.Policy
	store   Store
	health  HealthProbe
	stats   *metrics.Set
	log     *slog.Logger

	mu           sync.Mutex
	state        State
	intendPlay   bool
	streamURL    string
	volume       int
	muted        bool
	retryCount   int
	retryTimer   *time.Timer
	gen          uint64
	timeHint     time.Duration
	playingSince time.Time

	states *event.Emitter[Status]

	cancelEvents func()
	cancelNet    func()
}

func NewController(cfg Config) *Controller {
	if cfg.Policy == nil {
		cfg.Policy = backoff.New(backoff.PlaybackMaxAttempts)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Controller{
		element: cfg.Element,
		policy:  cfg.Policy,
		store:   cfg.Store,
		health:  cfg.Health,
		stats:   cfg.Stats,
		log:     cfg.Log.With("component", "playback"),
		state:   Idle,
		volume:  DefaultVolume,
		states:  event.New[Status]("playback-status"),
	}

	if cfg.Store != nil {
		if saved, ok, err := cfg.Store.LoadPlayback(); err != nil {
			c.log.Warn("loading saved playback state failed", "err", err)
		} else if ok {
			c.streamURL = saved.StreamURL
			c.volume = saved.Volume
			c.muted = saved.Muted
			c.timeHint = saved.TimeHint
			// Saved "was playing" only restores after an explicit Resume
			// or Start; autoplay on boot is the server's decision, not
			// the client's.
		}
	}
	c.element.SetVolume(c.volume)
	c.element.SetMuted(c.muted)

	events, cancelEvents := c.element.Events()
	c.cancelEvents = cancelEvents
	go c.watchElement(events)

	if cfg.Net != nil {
		changes, cancelNet := cfg.Net.Subscribe()
		c.cancelNet = cancelNet
		go c.watchNetwork(changes)
	}
	return c
}

// Statuses emits a Status after every state transition.
func (c *Controller) Statuses() (<-chan Status, func()) { return c.states.Subscribe() }

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	return Status{
		State:      c.state,
		StreamURL:  c.streamURL,
		Volume:     c.volume,
		Muted:      c.muted,
		RetryCount: c.retryCount,
		TimeHint:   c.timeHintLocked(),
	}
}

// timeHintLocked folds in time accrued since the element last reported
// playing.
func (c *Controller) timeHintLocked() time.Duration {
	hint := c.timeHint
	if !c.playingSince.IsZero() {
		hint += time.Since(c.playingSince)
	}
	return hint
}

// stopClockLocked banks listened time when audible playback ends.
func (c *Controller) stopClockLocked() {
	if !c.playingSince.IsZero() {
		c.timeHint += time.Since(c.playingSince)
		c.playingSince = time.Time{}
	}
}

// Start begins playback of url. A fresh Start always resets the retry
// budget.
func (c *Controller) Start(streamURL string) error {
	c.mu.Lock()
	c.intendPlay = true
	c.streamURL = streamURL
	c.retryCount = 0
	c.timeHint = 0
	c.playingSince = time.Time{}
	c.policy.Reset()
	c.stopRetryLocked()
	c.gen++
	c.setStateLocked(Playing)
	c.mu.Unlock()

	c.persist()
	return c.element.Play(cacheBust(streamURL, 0))
}

// Stop abandons the stream entirely.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.intendPlay = false
	c.stopClockLocked()
	c.stopRetryLocked()
	c.gen++
	c.setStateLocked(Idle)
	c.mu.Unlock()

	c.element.Stop()
	c.persist()
}

// Pause halts output. Pausing during recovery cancels the retries; the
// user said stop asking for audio.
func (c *Controller) Pause() {
	c.mu.Lock()
	if !c.intendPlay {
		c.mu.Unlock()
		return
	}
	c.intendPlay = false
	c.stopClockLocked()
	c.stopRetryLocked()
	c.gen++
	c.setStateLocked(Paused)
	c.mu.Unlock()

	c.element.Pause()
	c.persist()
}

// Resume restarts playback of the current stream after a Pause.
func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.intendPlay || c.streamURL == "" {
		streamURL := c.streamURL
		c.mu.Unlock()
		if streamURL == "" {
			return fmt.Errorf("no stream to resume")
		}
		return nil
	}
	c.intendPlay = true
	c.retryCount = 0
	c.policy.Reset()
	c.gen++
	streamURL := c.streamURL
	c.setStateLocked(Playing)
	c.mu.Unlock()

	c.persist()
	return c.element.Play(cacheBust(streamURL, 0))
}

// Toggle flips between playing and paused.
func (c *Controller) Toggle() error {
	c.mu.Lock()
	playing := c.intendPlay
	c.mu.Unlock()
	if playing {
		c.Pause()
		return nil
	}
	return c.Resume()
}

func (c *Controller) SetVolume(v int) {
	if v < 0 {
		v = 0
	} else if v > 100 {
		v = 100
	}
	c.mu.Lock()
	c.volume = v
	c.mu.Unlock()
	c.element.SetVolume(v)
	c.persist()
}

func (c *Controller) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	c.mu.Unlock()
	c.element.SetMuted(muted)
	c.persist()
}

// Rearm restarts recovery after exhaustion, e.g. when the network came
// back or the broadcast reports healthy again. A no-op unless the
// controller is recovering with no retry pending.
func (c *Controller) Rearm(reason string) {
	c.mu.Lock()
	if c.state != Recovering || c.retryTimer != nil {
		c.mu.Unlock()
		return
	}
	c.policy.Reset()
	c.log.Info("recovery re-armed", "reason", reason)
	c.scheduleRetryLocked()
	c.mu.Unlock()
}

// Close releases subscriptions and the element.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.stopRetryLocked()
	c.gen++
	c.mu.Unlock()

	if c.cancelNet != nil {
		c.cancelNet()
	}
	c.cancelEvents()
	c.states.Close()
	return c.element.Close()
}

func (c *Controller) watchElement(events <-chan ElementEvent) {
	for ev := range events {
		switch ev.Kind {
		case ElementPlaying:
			c.onPlaying()
		case ElementStalled, ElementEnded, ElementFailed:
			c.onStreamLost(ev)
		}
	}
}

func (c *Controller) onPlaying() {
	c.mu.Lock()
	if !c.intendPlay {
		c.mu.Unlock()
		return
	}
	recovered := c.state == Recovering
	c.retryCount = 0
	if c.playingSince.IsZero() {
		c.playingSince = time.Now()
	}
	c.policy.Reset()
	c.stopRetryLocked()
	c.setStateLocked(Playing)
	c.mu.Unlock()

	if recovered {
		c.log.Info("stream recovered")
		if c.stats != nil {
			c.stats.AutoResumes.Inc()
		}
	}
}

func (c *Controller) onStreamLost(ev ElementEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.intendPlay || c.state == Idle {
		return
	}
	if c.state != Recovering {
		c.log.Warn("stream lost", "signal", ev.Kind.String(), "err", ev.Err)
		c.stopClockLocked()
		c.setStateLocked(Recovering)
	}
	if c.retryTimer != nil {
		return
	}
	c.scheduleRetryLocked()
}

// scheduleRetryLocked arms the next recovery attempt. When the budget is
// exhausted the controller stays in Recovering until a Rearm.
func (c *Controller) scheduleRetryLocked() {
	delay, attempt, ok := c.policy.Next()
	if !ok {
		c.log.Warn("recovery attempts exhausted", "attempts", c.policy.Attempt())
		return
	}
	gen := c.gen
	c.log.Info("retrying stream", "attempt", attempt, "delay", delay)
	c.retryTimer = time.AfterFunc(delay, func() {
		c.retry(gen, attempt)
	})
}

func (c *Controller) retry(gen uint64, attempt int) {
	c.mu.Lock()
	if gen != c.gen || c.state != Recovering {
		c.mu.Unlock()
		return
	}
	c.retryTimer = nil
	if c.health != nil {
		if live, recovering := c.health(); !live && !recovering {
			// Nothing to reload while the broadcast is down. Stay in
			// Recovering with the timer cleared; a health edge or
			// network-online Rearm restarts the cycle.
			c.log.Info("recovery parked, broadcast is off air")
			c.mu.Unlock()
			return
		}
	}
	c.retryCount = attempt
	streamURL := c.streamURL
	c.mu.Unlock()

	if c.stats != nil {
		c.stats.RecoveryAttempts.Inc()
	}
	// Cache-busted URL so intermediaries cannot serve a stale or dead
	// stream body.
	if err := c.element.Play(cacheBust(streamURL, attempt)); err != nil {
		c.mu.Lock()
		if gen == c.gen && c.state == Recovering && c.retryTimer == nil {
			c.scheduleRetryLocked()
		}
		c.mu.Unlock()
	}
}

func (c *Controller) stopRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.states.Publish(c.statusLocked())
}

func (c *Controller) watchNetwork(changes <-chan netmon.Change) {
	for change := range changes {
		if change.Online {
			c.Rearm("network online")
		}
	}
}

func (c *Controller) persist() {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	saved := SavedState{
		IsPlaying: c.intendPlay,
		StreamURL: c.streamURL,
		Volume:    c.volume,
		Muted:     c.muted,
		TimeHint:  c.timeHintLocked(),
	}
	c.mu.Unlock()
	if err := c.store.SavePlayback(saved); err != nil {
		c.log.Warn("persisting playback state failed", "err", err)
	}
}

// cacheBust appends retry and timestamp parameters so every attempt
// bypasses caches between the listener and the stream origin.
func cacheBust(streamURL string, retry int) string {
	u, err := url.Parse(streamURL)
	if err != nil {
		return streamURL
	}
	q := u.Query()
	q.Set("retry", strconv.Itoa(retry))
	q.Set("ts", strconv.FormatInt(time.Now().UnixMilli(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}
