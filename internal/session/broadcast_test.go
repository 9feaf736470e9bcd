package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices"

	"github.com/wildcastradio/aircast/internal/api"
	"github.com/wildcastradio/aircast/internal/capture"
	"github.com/wildcastradio/aircast/internal/conn"
	"github.com/wildcastradio/aircast/internal/event"
	"github.com/wildcastradio/aircast/internal/uplink"
)

type fakeSource struct {
	mu     sync.Mutex
	closed bool
	events *event.Emitter[capture.TrackEvent]
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: event.New[capture.TrackEvent]("fake-source")}
}

func (f *fakeSource) EncodedReader() (mediadevices.EncodedReadCloser, error) { return nil, nil }
func (f *fakeSource) Level() int                                            { return 42 }
func (f *fakeSource) Events() (<-chan capture.TrackEvent, func())           { return f.events.Subscribe() }

func (f *fakeSource) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeBackend struct {
	mu      sync.Mutex
	created int
	started int
	ended   []string
	active  *api.Broadcast
	failOn  string
}

func (f *fakeBackend) CreateBroadcast(ctx context.Context, title, desc string) (*api.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "create" {
		return nil, errors.New("create refused")
	}
	f.created++
	return &api.Broadcast{ID: "b1", Title: title, Status: "created"}, nil
}

func (f *fakeBackend) StartBroadcast(ctx context.Context, id string) (*api.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "start" {
		return nil, errors.New("start refused")
	}
	f.started++
	return &api.Broadcast{ID: id, Status: "live"}, nil
}

func (f *fakeBackend) EndBroadcast(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, id)
	return nil
}

func (f *fakeBackend) ActiveBroadcast(ctx context.Context) (*api.Broadcast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

type fakeUplink struct {
	mu       sync.Mutex
	started  []uplink.Source
	attached []uplink.Source
	stopped  int
	failNext bool
}

func (f *fakeUplink) Start(src uplink.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("uplink refused")
	}
	f.started = append(f.started, src)
	return nil
}

func (f *fakeUplink) Attach(src uplink.Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("attach refused")
	}
	f.attached = append(f.attached, src)
	return nil
}

func (f *fakeUplink) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
}

type fakeSocket struct {
	mu           sync.Mutex
	connects     []string
	disconnected int
	terminal     chan *conn.TerminalError
}

func (f *fakeSocket) Connect(url string) {
	f.mu.Lock()
	f.connects = append(f.connects, url)
	f.mu.Unlock()
}

func (f *fakeSocket) Disconnect() {
	f.mu.Lock()
	f.disconnected++
	f.mu.Unlock()
}

func (f *fakeSocket) Terminal() (<-chan *conn.TerminalError, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminal == nil {
		f.terminal = make(chan *conn.TerminalError, 1)
	}
	return f.terminal, func() {}
}

func (f *fakeSocket) fireTerminal(code int, reason string) {
	f.Terminal()
	f.terminal <- &conn.TerminalError{Code: code, Reason: reason}
}

type fakeFlags struct {
	mu   sync.Mutex
	id   string
	live bool
}

func (f *fakeFlags) SetBroadcasting(id string, live bool) error {
	f.mu.Lock()
	f.id, f.live = id, live
	f.mu.Unlock()
	return nil
}

func (f *fakeFlags) Broadcasting() (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.live, nil
}

type harness struct {
	backend *fakeBackend
	uplink  *fakeUplink
	socket  *fakeSocket
	flags   *fakeFlags
	sources []*fakeSource
	acquire error
}

func (h *harness) manager() *Manager {
	return NewManager(Config{
		Backend: h.backend,
		Acquirer: AcquirerFunc(func(ctx context.Context, st capture.SourceType) (Source, error) {
			if h.acquire != nil {
				return nil, h.acquire
			}
			src := newFakeSource()
			h.sources = append(h.sources, src)
			return src, nil
		}),
		Uplink:    h.uplink,
		Socket:    h.socket,
		Flags:     h.flags,
		UplinkURL: "ws://radio.example/ws/broadcast",
	})
}

func newHarness() *harness {
	return &harness{
		backend: &fakeBackend{},
		uplink:  &fakeUplink{},
		socket:  &fakeSocket{},
		flags:   &fakeFlags{},
	}
}

func TestStartBroadcastHappyPath(t *testing.T) {
	h := newHarness()
	m := h.manager()

	b, err := m.StartBroadcast(context.Background(), "Morning Show", "", capture.Microphone)
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "b1" || !m.Live() {
		t.Fatalf("broadcast = %+v live=%v", b, m.Live())
	}
	if len(h.socket.connects) != 1 || len(h.uplink.started) != 1 {
		t.Fatal("socket or uplink not started")
	}
	if id, live, _ := h.flags.Broadcasting(); !live || id != "b1" {
		t.Fatalf("flag id=%q live=%v", id, live)
	}
	if m.AudioLevel() != 42 {
		t.Fatalf("audio level = %d", m.AudioLevel())
	}
}

func TestStartBroadcastRejectsDoubleStart(t *testing.T) {
	h := newHarness()
	m := h.manager()

	m.StartBroadcast(context.Background(), "a", "", capture.Microphone)
	if _, err := m.StartBroadcast(context.Background(), "b", "", capture.Microphone); !errors.Is(err, ErrAlreadyLive) {
		t.Fatalf("err = %v, want ErrAlreadyLive", err)
	}
}

func TestStartBroadcastReleasesSourceWhenServerRefuses(t *testing.T) {
	h := newHarness()
	h.backend.failOn = "start"
	m := h.manager()

	if _, err := m.StartBroadcast(context.Background(), "a", "", capture.Microphone); err == nil {
		t.Fatal("want error")
	}
	if len(h.sources) != 1 || !h.sources[0].isClosed() {
		t.Fatal("capture source leaked after server refusal")
	}
	if m.Live() {
		t.Fatal("manager should not be live")
	}
}

func TestStartBroadcastEndsServerSideOnUplinkFailure(t *testing.T) {
	h := newHarness()
	h.uplink.failNext = true
	m := h.manager()

	if _, err := m.StartBroadcast(context.Background(), "a", "", capture.Microphone); err == nil {
		t.Fatal("want error")
	}
	if len(h.backend.ended) != 1 || h.backend.ended[0] != "b1" {
		t.Fatalf("ended = %v, want the orphaned broadcast closed", h.backend.ended)
	}
	if !h.sources[0].isClosed() {
		t.Fatal("capture source leaked")
	}
	if h.socket.disconnected != 1 {
		t.Fatal("socket left connected")
	}
}

func TestStopBroadcastTearsDownInOrder(t *testing.T) {
	h := newHarness()
	m := h.manager()

	m.StartBroadcast(context.Background(), "a", "", capture.Microphone)
	if err := m.StopBroadcast(context.Background()); err != nil {
		t.Fatal(err)
	}
	if m.Live() {
		t.Fatal("still live after stop")
	}
	if h.uplink.stopped != 1 || h.socket.disconnected != 1 {
		t.Fatal("uplink or socket not torn down")
	}
	if !h.sources[0].isClosed() {
		t.Fatal("capture source not closed")
	}
	if _, live, _ := h.flags.Broadcasting(); live {
		t.Fatal("broadcast flag not cleared")
	}
	if len(h.backend.ended) != 1 {
		t.Fatalf("ended = %v", h.backend.ended)
	}
}

func TestStopWithoutBroadcast(t *testing.T) {
	h := newHarness()
	if err := h.manager().StopBroadcast(context.Background()); !errors.Is(err, ErrNotLive) {
		t.Fatalf("err = %v, want ErrNotLive", err)
	}
}

func TestSwitchClosesOldOnlyAfterNewAttached(t *testing.T) {
	h := newHarness()
	m := h.manager()

	m.StartBroadcast(context.Background(), "a", "", capture.Microphone)
	if err := m.SwitchAudioSource(context.Background(), capture.Mixed); err != nil {
		t.Fatal(err)
	}

	if len(h.sources) != 2 {
		t.Fatalf("sources = %d", len(h.sources))
	}
	if !h.sources[0].isClosed() {
		t.Fatal("old source not closed after switch")
	}
	if h.sources[1].isClosed() {
		t.Fatal("new source closed")
	}
	if len(h.uplink.attached) != 1 {
		t.Fatal("uplink never attached the new source")
	}
}

func TestSwitchKeepsOldSourceOnAcquireFailure(t *testing.T) {
	h := newHarness()
	m := h.manager()

	m.StartBroadcast(context.Background(), "a", "", capture.Microphone)
	h.acquire = capture.ErrSilentSource

	if err := m.SwitchAudioSource(context.Background(), capture.DesktopAudio); err == nil {
		t.Fatal("want error")
	}
	if h.sources[0].isClosed() {
		t.Fatal("old source was closed although the switch failed")
	}
	if !m.Live() {
		t.Fatal("broadcast dropped on failed switch")
	}
}

func TestSwitchKeepsOldSourceOnAttachFailure(t *testing.T) {
	h := newHarness()
	m := h.manager()

	m.StartBroadcast(context.Background(), "a", "", capture.Microphone)
	h.uplink.failNext = true

	if err := m.SwitchAudioSource(context.Background(), capture.Mixed); err == nil {
		t.Fatal("want error")
	}
	if h.sources[0].isClosed() {
		t.Fatal("old source was closed although attach failed")
	}
	if !h.sources[1].isClosed() {
		t.Fatal("new source leaked after attach failure")
	}
}

func TestPendingBroadcast(t *testing.T) {
	h := newHarness()
	h.flags.SetBroadcasting("b9", true)
	h.backend.active = &api.Broadcast{ID: "b9", Status: "live"}
	m := h.manager()

	b, err := m.PendingBroadcast(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b == nil || b.ID != "b9" {
		t.Fatalf("pending = %+v", b)
	}
}

func TestPendingBroadcastClearsStaleFlag(t *testing.T) {
	h := newHarness()
	h.flags.SetBroadcasting("b9", true)
	h.backend.active = nil // server already ended it
	m := h.manager()

	b, err := m.PendingBroadcast(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b != nil {
		t.Fatalf("pending = %+v, want nil", b)
	}
	if _, live, _ := h.flags.Broadcasting(); live {
		t.Fatal("stale flag not cleared")
	}
}

func waitForSession(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestServerCloseEndsBroadcast(t *testing.T) {
	h := newHarness()
	m := h.manager()
	defer m.Close()

	failures, cancel := m.Failures()
	defer cancel()

	m.StartBroadcast(context.Background(), "a", "", capture.Microphone)
	h.socket.fireTerminal(conn.CodeQualityRejected, "stream quality below minimum")

	waitForSession(t, func() bool { return !m.Live() })

	if len(h.backend.ended) != 1 || h.backend.ended[0] != "b1" {
		t.Fatalf("ended = %v, want the rejected broadcast closed server-side", h.backend.ended)
	}
	if _, live, _ := h.flags.Broadcasting(); live {
		t.Fatal("broadcast flag not cleared")
	}
	select {
	case err := <-failures:
		var terr *conn.TerminalError
		if !errors.As(err, &terr) || terr.Code != conn.CodeQualityRejected {
			t.Fatalf("failure = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no failure surfaced after server close")
	}
}

func TestResumeBroadcastReusesServerBroadcast(t *testing.T) {
	h := newHarness()
	m := h.manager()

	if _, err := m.ResumeBroadcast(context.Background(), &api.Broadcast{ID: "b7", Status: "live"}, capture.Microphone); err != nil {
		t.Fatal(err)
	}
	if !m.Live() {
		t.Fatal("not live after resume")
	}
	if h.backend.created != 0 || h.backend.started != 0 {
		t.Fatalf("created=%d started=%d, resume must not touch the server broadcast", h.backend.created, h.backend.started)
	}
	if len(h.socket.connects) != 1 || len(h.uplink.started) != 1 {
		t.Fatal("socket or uplink not restarted")
	}
	if id, live, _ := h.flags.Broadcasting(); !live || id != "b7" {
		t.Fatalf("flag id=%q live=%v", id, live)
	}
}
