package capture

import (
	"log/slog"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/webrtc/v4"

	"github.com/wildcastradio/aircast/internal/event"
)

// Session is a live capture pipeline for one source. It owns its tracks
// and hands out Opus-encoded frames for the uplink. The session stays
// alive across websocket reconnects; only Close releases the hardware.
type Session struct {
	ID     string
	Source SourceType

	track  mediadevices.Track
	meter  *levelMeter
	events *event.Emitter[TrackEvent]
	owned  []*Session
	log    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// EncodedReader opens an Opus reader on the session's track. Each call
// returns an independent reader backed by its own encoder instance.
func (s *Session) EncodedReader() (mediadevices.EncodedReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.track.NewEncodedReader(webrtc.MimeTypeOpus)
}

// Events delivers track-ended notifications. The cancel func releases the
// subscription.
func (s *Session) Events() (<-chan TrackEvent, func()) {
	return s.events.Subscribe()
}

// Level reports the current input loudness, 0-100 RMS.
func (s *Session) Level() int {
	return s.meter.Level()
}

// Close stops the track and any owned sub-sessions. Safe to call more
// than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.track.Close()
	for _, sub := range s.owned {
		sub.Close()
	}
	s.events.Close()
	s.log.Info("capture session closed", "id", s.ID)
	return err
}

func (s *Session) onEnded(err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err != nil {
		s.log.Warn("capture track ended", "id", s.ID, "err", err)
	}
	s.events.Publish(TrackEvent{SessionID: s.ID, Err: err})
}

// meterLoop feeds the level meter from a raw PCM reader until the track
// goes away.
func (s *Session) meterLoop(raw audio.Reader) {
	for {
		chunk, release, err := raw.Read()
		if err != nil {
			return
		}
		s.meter.observe(chunk)
		release()
	}
}
