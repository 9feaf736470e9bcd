// Package backoff provides the exponential delay schedule shared by the
// connection managers and the playback recovery loop.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 30 * time.Second

	// Attempt ceilings per consumer. Broadcasting is high-value and fights
	// harder to stay connected than a listener does.
	UplinkMaxAttempts   = 20
	StatusMaxAttempts   = 10
	PlaybackMaxAttempts = 6
)

// Policy computes min(Max, Base*2^attempt) and tracks the attempt counter
// for one reconnecting thing. Delay is pure; Next/Reset mutate the counter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	// Jitter, when positive, adds a random duration in [0, Jitter) to every
	// Next() so a flock of clients does not reconnect in lockstep.
	Jitter time.Duration

	mu      sync.Mutex
	attempt int
}

// New returns a Policy with the default base and cap and the given ceiling.
func New(maxAttempts int) *Policy {
	return &Policy{
		Base:        DefaultBase,
		Max:         DefaultMax,
		MaxAttempts: maxAttempts,
	}
}

// Delay returns the schedule's delay for the given attempt count without
// touching the counter. Deterministic: no jitter is applied here.
func (p *Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Next returns the delay to wait before the attempt it accounts for, along
// with that attempt's 1-based number, and increments the counter. Returns
// ok=false once the ceiling is reached; callers must stop retrying until
// Reset is called by an external trigger (network online, user retry).
func (p *Policy) Next() (delay time.Duration, attempt int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attempt >= p.MaxAttempts {
		return 0, p.attempt, false
	}
	delay = p.Delay(p.attempt)
	if p.Jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	p.attempt++
	return delay, p.attempt, true
}

// Attempt returns the number of attempts consumed since the last Reset.
func (p *Policy) Attempt() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt
}

// Exhausted reports whether the ceiling has been reached.
func (p *Policy) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempt >= p.MaxAttempts
}

// Reset zeroes the attempt counter. Called on every successful (re)connect
// or successful playback resume, and by external re-arm triggers.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.attempt = 0
	p.mu.Unlock()
}
