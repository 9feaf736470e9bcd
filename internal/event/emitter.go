// Package event provides the typed publish/subscribe primitive used by the
// connection, health, capture and playback layers. Subscribers hold an
// explicit cancel handle, so listeners cannot accumulate across reconnects.
package event

import (
	"log/slog"
	"sync"
)

const defaultBuf = 16

// Emitter fans values out to subscriber channels. Publish never blocks: a
// subscriber that stops draining loses events rather than stalling the
// producer, which on these paths is a socket read loop or a media callback.
type Emitter[T any] struct {
	name string

	mu     sync.RWMutex
	subs   map[chan T]struct{}
	closed bool
}

// New creates an Emitter. name appears in dropped-event log lines.
func New[T any](name string) *Emitter[T] {
	return &Emitter[T]{
		name: name,
		subs: make(map[chan T]struct{}),
	}
}

// Subscribe registers a new subscriber channel and returns it with a cancel
// function. Cancel is idempotent and closes the channel.
func (e *Emitter[T]) Subscribe() (<-chan T, func()) {
	ch := make(chan T, defaultBuf)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			if _, ok := e.subs[ch]; ok {
				delete(e.subs, ch)
				close(ch)
			}
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish delivers v to every subscriber, dropping for slow consumers.
func (e *Emitter[T]) Publish(v T) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	for ch := range e.subs {
		select {
		case ch <- v:
		default:
			slog.Warn("event: subscriber channel full, dropping", "emitter", e.name)
		}
	}
}

// Len reports the current subscriber count.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close closes all subscriber channels. Further Publish calls are no-ops.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for ch := range e.subs {
		delete(e.subs, ch)
		close(ch)
	}
}
