package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wildcastradio/aircast/internal/api"
	"github.com/wildcastradio/aircast/internal/capture"
	"github.com/wildcastradio/aircast/internal/conn"
	"github.com/wildcastradio/aircast/internal/event"
	"github.com/wildcastradio/aircast/internal/uplink"
)

var (
	ErrAlreadyLive = errors.New("session: a broadcast is already live")
	ErrNotLive     = errors.New("session: no broadcast is live")
)

// Source is a live capture session as the broadcast manager sees it.
// *capture.Session implements it.
type Source interface {
	uplink.Source
	Close() error
	Level() int
	Events() (<-chan capture.TrackEvent, func())
}

// Acquirer opens capture sources.
type Acquirer interface {
	Acquire(ctx context.Context, source capture.SourceType) (Source, error)
}

// AcquirerFunc adapts a plain function to the Acquirer interface.
type AcquirerFunc func(ctx context.Context, source capture.SourceType) (Source, error)

func (f AcquirerFunc) Acquire(ctx context.Context, source capture.SourceType) (Source, error) {
	return f(ctx, source)
}

// Backend is the REST surface the manager drives.
type Backend interface {
	CreateBroadcast(ctx context.Context, title, description string) (*api.Broadcast, error)
	StartBroadcast(ctx context.Context, id string) (*api.Broadcast, error)
	EndBroadcast(ctx context.Context, id string) error
	ActiveBroadcast(ctx context.Context) (*api.Broadcast, error)
}

// Uplink ships audio from a source. *uplink.Encoder implements it.
type Uplink interface {
	Start(src uplink.Source) error
	Attach(src uplink.Source) error
	Stop()
}

// Socket is the uplink websocket lifecycle.
type Socket interface {
	Connect(url string)
	Disconnect()
	Terminal() (<-chan *conn.TerminalError, func())
}

// Flags persists the DJ's broadcasting state across restarts.
type Flags interface {
	SetBroadcasting(broadcastID string, live bool) error
	Broadcasting() (id string, live bool, err error)
}

// Config assembles a Manager.
type Config struct {
	Backend   Backend
	Acquirer  Acquirer
	Uplink    Uplink
	Socket    Socket
	Flags     Flags
	UplinkURL string
	Log       *slog.Logger
}

// Manager runs the DJ side of a broadcast: acquire audio, register the
// broadcast with the server, stream chunks up, and tear it all down in
// the right order.
type Manager struct {
	backend   Backend
	acquirer  Acquirer
	uplink    Uplink
	socket    Socket
	flags     Flags
	uplinkURL string
	log       *slog.Logger

	failures *event.Emitter[error]

	mu          sync.Mutex
	active      Source
	broadcast   *api.Broadcast
	cancelTrack func()
	cancelTerm  func()
}

func NewManager(cfg Config) *Manager {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Manager{
		backend:   cfg.Backend,
		acquirer:  cfg.Acquirer,
		uplink:    cfg.Uplink,
		socket:    cfg.Socket,
		flags:     cfg.Flags,
		uplinkURL: cfg.UplinkURL,
		log:       cfg.Log.With("component", "session"),
		failures:  event.New[error]("session-failures"),
	}
}

// Failures emits terminal broadcast errors, such as the server rejecting
// the stream's quality. By the time one arrives the broadcast has already
// been torn down.
func (m *Manager) Failures() (<-chan error, func()) { return m.failures.Subscribe() }

// Close releases the manager's subscriptions. Live broadcasts should be
// stopped first.
func (m *Manager) Close() {
	m.failures.Close()
}

// Live reports whether a broadcast is running.
func (m *Manager) Live() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcast != nil
}

// Broadcast returns the live broadcast, or nil.
func (m *Manager) Broadcast() *api.Broadcast {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.broadcast
}

// AudioLevel reports the current input loudness, 0-100. Zero when no
// broadcast is live.
func (m *Manager) AudioLevel() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return 0
	}
	return m.active.Level()
}

// StartBroadcast acquires the audio source, registers and starts the
// broadcast, and begins streaming. Every failure path releases whatever
// was already set up.
func (m *Manager) StartBroadcast(ctx context.Context, title, description string, source capture.SourceType) (*api.Broadcast, error) {
	m.mu.Lock()
	if m.broadcast != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyLive
	}
	m.mu.Unlock()

	// Audio first: a DJ with a broken microphone should find out before
	// the server has a broadcast on record.
	src, err := m.acquirer.Acquire(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", source, err)
	}

	b, err := m.backend.CreateBroadcast(ctx, title, description)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("create broadcast: %w", err)
	}
	if b, err = m.backend.StartBroadcast(ctx, b.ID); err != nil {
		src.Close()
		return nil, fmt.Errorf("start broadcast: %w", err)
	}

	if err := m.goLive(b, src); err != nil {
		src.Close()
		if endErr := m.backend.EndBroadcast(ctx, b.ID); endErr != nil {
			m.log.Error("ending failed broadcast", "id", b.ID, "err", endErr)
		}
		return nil, fmt.Errorf("start uplink: %w", err)
	}
	m.log.Info("broadcast live", "id", b.ID, "title", b.Title, "source", source)
	return b, nil
}

// ResumeBroadcast reattaches to a broadcast a previous run left live on
// the server: the server resource is reused, only the capture source and
// uplink channel are rebuilt. The caller has already asked to go on air,
// so acquiring audio here is not automatic.
func (m *Manager) ResumeBroadcast(ctx context.Context, b *api.Broadcast, source capture.SourceType) (*api.Broadcast, error) {
	m.mu.Lock()
	if m.broadcast != nil {
		m.mu.Unlock()
		return nil, ErrAlreadyLive
	}
	m.mu.Unlock()

	src, err := m.acquirer.Acquire(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", source, err)
	}
	if err := m.goLive(b, src); err != nil {
		src.Close()
		return nil, fmt.Errorf("resume uplink: %w", err)
	}
	m.log.Info("broadcast resumed", "id", b.ID, "title", b.Title, "source", source)
	return b, nil
}

// goLive connects the uplink, starts streaming src, and adopts b as the
// live broadcast. On failure the socket is released again; src stays with
// the caller.
func (m *Manager) goLive(b *api.Broadcast, src Source) error {
	m.socket.Connect(m.uplinkURL)
	if err := m.uplink.Start(src); err != nil {
		m.socket.Disconnect()
		return err
	}

	events, cancelTrack := src.Events()
	term, cancelTerm := m.socket.Terminal()
	m.mu.Lock()
	m.active = src
	m.broadcast = b
	m.cancelTrack = cancelTrack
	m.cancelTerm = cancelTerm
	m.mu.Unlock()
	go m.watchTracks(events)
	go m.watchTerminal(term)

	if err := m.flags.SetBroadcasting(b.ID, true); err != nil {
		m.log.Warn("persisting broadcast flag failed", "err", err)
	}
	return nil
}

// StopBroadcast tears the broadcast down: uplink first so no chunk races
// the end call, then the socket, the capture source, and the server
// resource.
func (m *Manager) StopBroadcast(ctx context.Context) error {
	m.mu.Lock()
	if m.broadcast == nil {
		m.mu.Unlock()
		return ErrNotLive
	}
	b := m.broadcast
	src := m.active
	cancel := m.cancelTrack
	cancelTerm := m.cancelTerm
	m.broadcast = nil
	m.active = nil
	m.cancelTrack = nil
	m.cancelTerm = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cancelTerm != nil {
		cancelTerm()
	}
	m.uplink.Stop()
	m.socket.Disconnect()
	src.Close()

	if err := m.flags.SetBroadcasting(b.ID, false); err != nil {
		m.log.Warn("clearing broadcast flag failed", "err", err)
	}
	if err := m.backend.EndBroadcast(ctx, b.ID); err != nil {
		return fmt.Errorf("end broadcast: %w", err)
	}
	m.log.Info("broadcast ended", "id", b.ID)
	return nil
}

// SwitchAudioSource swaps inputs mid-broadcast. The new source must be
// fully acquired and attached before the old one is released; on any
// failure the old source keeps streaming.
func (m *Manager) SwitchAudioSource(ctx context.Context, source capture.SourceType) error {
	m.mu.Lock()
	if m.broadcast == nil {
		m.mu.Unlock()
		return ErrNotLive
	}
	m.mu.Unlock()

	next, err := m.acquirer.Acquire(ctx, source)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", source, err)
	}
	if err := m.uplink.Attach(next); err != nil {
		next.Close()
		return fmt.Errorf("attach %s: %w", source, err)
	}

	events, cancel := next.Events()
	m.mu.Lock()
	old := m.active
	oldCancel := m.cancelTrack
	m.active = next
	m.cancelTrack = cancel
	m.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		old.Close()
	}
	go m.watchTracks(events)

	m.log.Info("audio source switched", "source", source)
	return nil
}

// PendingBroadcast reports a broadcast left live by a previous run. The
// caller decides whether to resume it; audio is never reacquired without
// an explicit user action.
func (m *Manager) PendingBroadcast(ctx context.Context) (*api.Broadcast, error) {
	id, live, err := m.flags.Broadcasting()
	if err != nil || !live {
		return nil, err
	}
	b, err := m.backend.ActiveBroadcast(ctx)
	if err != nil {
		return nil, fmt.Errorf("check active broadcast: %w", err)
	}
	if b == nil || b.ID != id {
		// The server already closed it; drop the stale flag.
		if err := m.flags.SetBroadcasting(id, false); err != nil {
			m.log.Warn("clearing stale broadcast flag failed", "err", err)
		}
		return nil, nil
	}
	return b, nil
}

// watchTracks logs capture drops. The uplink keeps running: a track that
// ended because a device was unplugged surfaces to the user through the
// level meter flatlining and the server's silence detection.
func (m *Manager) watchTracks(events <-chan capture.TrackEvent) {
	for ev := range events {
		m.log.Warn("capture track ended during broadcast", "session", ev.SessionID, "err", ev.Err)
	}
}

// watchTerminal tears the broadcast down when the server closes the
// uplink for good, e.g. a quality rejection. The error then surfaces on
// Failures so the DJ learns why the stream ended.
func (m *Manager) watchTerminal(term <-chan *conn.TerminalError) {
	for terr := range term {
		m.log.Error("uplink closed by server", "code", terr.Code, "reason", terr.Reason)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := m.StopBroadcast(ctx); err != nil && !errors.Is(err, ErrNotLive) {
			m.log.Error("tearing down rejected broadcast", "err", err)
		}
		cancel()
		m.failures.Publish(terr)
		return
	}
}
