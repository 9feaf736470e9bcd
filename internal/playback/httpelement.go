package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wildcastradio/aircast/internal/event"
)

const (
	defaultStallTimeout = 10 * time.Second
	stallCheckInterval  = time.Second
)

// HTTPElement plays a live HTTP audio stream. It reports ElementPlaying
// once bytes flow, ElementStalled when the stream goes quiet for longer
// than the stall timeout, and ElementEnded when the server closes the
// body. Decoded output goes to the sink; volume and mute are tracked for
// the sink to consult.
type HTTPElement struct {
	client       *http.Client
	sink         io.Writer
	stallTimeout time.Duration
	log          *slog.Logger
	events       *event.Emitter[ElementEvent]

	mu     sync.Mutex
	cancel context.CancelFunc
	gen    uint64

	volume atomic.Int32
	muted  atomic.Bool
}

// HTTPElementConfig tunes an HTTPElement. Zero values get defaults.
type HTTPElementConfig struct {
	Client       *http.Client
	Sink         io.Writer
	StallTimeout time.Duration
	Log          *slog.Logger
}

func NewHTTPElement(cfg HTTPElementConfig) *HTTPElement {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Sink == nil {
		cfg.Sink = io.Discard
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	e := &HTTPElement{
		client:       cfg.Client,
		sink:         cfg.Sink,
		stallTimeout: cfg.StallTimeout,
		log:          cfg.Log.With("component", "playback-element"),
		events:       event.New[ElementEvent]("playback-element"),
	}
	e.volume.Store(DefaultVolume)
	return e
}

func (e *HTTPElement) Play(url string) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	go e.stream(ctx, cancel, gen, url)
	return nil
}

func (e *HTTPElement) Pause() { e.stopFetch() }
func (e *HTTPElement) Stop()  { e.stopFetch() }

func (e *HTTPElement) stopFetch() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.gen++
	e.mu.Unlock()
}

func (e *HTTPElement) SetVolume(v int)     { e.volume.Store(int32(v)) }
func (e *HTTPElement) SetMuted(muted bool) { e.muted.Store(muted) }
func (e *HTTPElement) Volume() int         { return int(e.volume.Load()) }
func (e *HTTPElement) Muted() bool         { return e.muted.Load() }

func (e *HTTPElement) Events() (<-chan ElementEvent, func()) {
	return e.events.Subscribe()
}

func (e *HTTPElement) Close() error {
	e.stopFetch()
	e.events.Close()
	return nil
}

// stream fetches url and pumps the body into the sink. A watchdog
// goroutine cancels the request when no bytes arrive within the stall
// timeout, which surfaces as ElementStalled.
func (e *HTTPElement) stream(ctx context.Context, cancel context.CancelFunc, gen uint64, url string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		e.publish(gen, ElementEvent{Kind: ElementFailed, Err: err})
		return
	}
	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.publish(gen, ElementEvent{Kind: ElementFailed, Err: err})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		e.publish(gen, ElementEvent{
			Kind: ElementFailed,
			Err:  fmt.Errorf("stream returned %s", resp.Status),
		})
		return
	}

	var lastRead atomic.Int64
	lastRead.Store(time.Now().UnixNano())
	stalled := make(chan struct{})
	go e.watchdog(ctx, cancel, &lastRead, stalled)

	started := false
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			lastRead.Store(time.Now().UnixNano())
			if !started {
				started = true
				e.publish(gen, ElementEvent{Kind: ElementPlaying})
			}
			if !e.muted.Load() {
				e.sink.Write(buf[:n])
			}
		}
		if err != nil {
			select {
			case <-stalled:
				e.publish(gen, ElementEvent{Kind: ElementStalled})
			default:
				switch {
				case ctx.Err() != nil:
					// paused or stopped, not an error
				case err == io.EOF:
					e.publish(gen, ElementEvent{Kind: ElementEnded})
				default:
					e.publish(gen, ElementEvent{Kind: ElementStalled, Err: err})
				}
			}
			return
		}
	}
}

// watchdog cancels the stream when reads go quiet. Closing stalled before
// cancelling lets the read loop tell a stall apart from a user stop. The
// cancel belongs to this fetch; e.cancel may already be a newer Play's.
func (e *HTTPElement) watchdog(ctx context.Context, cancel context.CancelFunc, lastRead *atomic.Int64, stalled chan struct{}) {
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, lastRead.Load()))
			if idle > e.stallTimeout {
				e.log.Warn("stream stalled", "idle", idle)
				close(stalled)
				cancel()
				return
			}
		}
	}
}

// publish drops events from superseded fetches.
func (e *HTTPElement) publish(gen uint64, ev ElementEvent) {
	e.mu.Lock()
	stale := gen != e.gen
	e.mu.Unlock()
	if stale {
		return
	}
	e.events.Publish(ev)
}
