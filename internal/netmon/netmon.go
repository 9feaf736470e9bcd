// Package netmon supplies the shared network online/offline signal that
// gates reconnection across both socket channels and playback recovery.
package netmon

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/wildcastradio/aircast/internal/event"
)

const (
	defaultInterval = 15 * time.Second
	probeTimeout    = 5 * time.Second
)

// Change is emitted on every online/offline transition.
type Change struct {
	Online bool
	At     time.Time
}

// Monitor probes a TCP endpoint (normally the radio server's host) on an
// interval and publishes edge events. Environments that already have a
// connectivity signal can bypass probing with SetOnline.
type Monitor struct {
	addr     string
	interval time.Duration
	dialer   net.Dialer
	log      *slog.Logger

	events *event.Emitter[Change]

	mu      sync.Mutex
	online  bool
	known   bool
	cancel  context.CancelFunc
	started bool
}

// New creates a Monitor probing addr (host:port). interval <= 0 uses the
// default. The monitor assumes online until the first probe says otherwise.
func New(addr string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		addr:     addr,
		interval: interval,
		log:      slog.With("component", "netmon"),
		events:   event.New[Change]("netmon"),
		online:   true,
	}
}

// Start launches the probe loop. Safe to call once.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop halts probing and closes subscriber channels.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.events.Close()
}

// Online returns the last known connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe returns a channel of online/offline transitions.
func (m *Monitor) Subscribe() (<-chan Change, func()) {
	return m.events.Subscribe()
}

// SetOnline injects a connectivity state from an external source (platform
// callback, test). Emits only on an actual transition, like the prober.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.online = online
	m.known = true
	m.mu.Unlock()

	if changed {
		if online {
			m.log.Info("network online")
		} else {
			m.log.Warn("network offline")
		}
		m.events.Publish(Change{Online: online, At: time.Now()})
	}
}

func (m *Monitor) loop(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	if m.addr == "" {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := m.dialer.DialContext(dctx, "tcp", m.addr)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.SetOnline(false)
		return
	}
	conn.Close()
	m.SetOnline(true)
}
