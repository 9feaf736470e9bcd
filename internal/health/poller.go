package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultPollInterval applies while the app is in the foreground.
	DefaultPollInterval = 60 * time.Second
	// HiddenPollInterval applies while the UI is hidden; status can lag a
	// little when nobody is looking at it.
	HiddenPollInterval = 120 * time.Second
)

// PollerConfig assembles a Poller.
type PollerConfig struct {
	// Fetch performs one REST status check.
	Fetch func(ctx context.Context) (Report, error)
	// PushConnected reports whether the live status socket is up. While
	// it is, polling pauses; the push channel is fresher and cheaper.
	PushConnected  func() bool
	Tracker        *Tracker
	Interval       time.Duration
	HiddenInterval time.Duration
	Log            *slog.Logger
}

// Poller periodically pulls stream status over REST and feeds the
// tracker. It only does real work while the push channel is down.
type Poller struct {
	fetch         func(ctx context.Context) (Report, error)
	pushConnected func() bool
	tracker       *Tracker
	interval      time.Duration
	hiddenEvery   time.Duration
	log           *slog.Logger

	mu     sync.Mutex
	hidden bool
	kick   chan struct{}
}

func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.HiddenInterval <= 0 {
		cfg.HiddenInterval = HiddenPollInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.PushConnected == nil {
		cfg.PushConnected = func() bool { return false }
	}
	return &Poller{
		fetch:         cfg.Fetch,
		pushConnected: cfg.PushConnected,
		tracker:       cfg.Tracker,
		interval:      cfg.Interval,
		hiddenEvery:   cfg.HiddenInterval,
		log:           cfg.Log.With("component", "health-poller"),
		kick:          make(chan struct{}, 1),
	}
}

// SetHidden switches between the foreground and background cadence. The
// next poll is rescheduled immediately.
func (p *Poller) SetHidden(hidden bool) {
	p.mu.Lock()
	changed := p.hidden != hidden
	p.hidden = hidden
	p.mu.Unlock()
	if changed {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

func (p *Poller) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hidden {
		return p.hiddenEvery
	}
	return p.interval
}

func (p *Poller) isHidden() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hidden
}

// Run polls until ctx is cancelled. The first poll happens immediately,
// and so does the one after a return to the foreground: status may have
// drifted a long way on the hidden cadence.
func (p *Poller) Run(ctx context.Context) {
	p.poll(ctx)
	timer := time.NewTimer(p.currentInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.kick:
			if !p.isHidden() {
				p.poll(ctx)
			}
		case <-timer.C:
			p.poll(ctx)
		}
		timer.Reset(p.currentInterval())
	}
}

func (p *Poller) poll(ctx context.Context) {
	if p.pushConnected() {
		return
	}
	report, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("status poll failed", "err", err)
		}
		return
	}
	p.tracker.ApplyPull(report)
}
