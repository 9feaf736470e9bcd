package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/wildcastradio/aircast/internal/event"
)

// SourceType selects which audio input feeds a broadcast.
type SourceType string

const (
	Microphone   SourceType = "microphone"
	DesktopAudio SourceType = "desktop"
	Mixed        SourceType = "mixed"
)

// ParseSourceType maps a user-facing name to a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case Microphone, DesktopAudio, Mixed:
		return SourceType(s), nil
	}
	return "", fmt.Errorf("unknown audio source %q", s)
}

// TrackEvent reports that a capture track ended outside of Close, e.g. the
// device was unplugged or screen sharing was stopped.
type TrackEvent struct {
	SessionID string
	Err       error
}

// Config tunes an Acquirer. Zero values fall back to defaults.
type Config struct {
	// MicGain and DesktopGain apply to the mixed source only.
	MicGain     float64
	DesktopGain float64
	// ProbeWindow is how much audio the silence probe inspects before
	// accepting a source.
	ProbeWindow time.Duration
	Log         *slog.Logger
}

const defaultProbeWindow = 600 * time.Millisecond

// Acquirer opens capture sessions against the local audio hardware. A
// session that passes the quality gate and the silence probe is handed to
// the caller; every failure path releases the tracks it opened.
type Acquirer struct {
	micGain     float64
	desktopGain float64
	probeWindow time.Duration
	log         *slog.Logger
}

func NewAcquirer(cfg Config) *Acquirer {
	if cfg.MicGain <= 0 {
		cfg.MicGain = DefaultMicGain
	}
	if cfg.DesktopGain <= 0 {
		cfg.DesktopGain = DefaultDesktopGain
	}
	if cfg.ProbeWindow <= 0 {
		cfg.ProbeWindow = defaultProbeWindow
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Acquirer{
		micGain:     cfg.MicGain,
		desktopGain: cfg.DesktopGain,
		probeWindow: cfg.ProbeWindow,
		log:         cfg.Log.With("component", "capture"),
	}
}

// Acquire opens the requested source and returns a live session. The
// returned session owns its tracks; Close releases them. Acquire never
// leaves tracks open on error.
func (a *Acquirer) Acquire(ctx context.Context, source SourceType) (*Session, error) {
	switch source {
	case Microphone:
		return a.acquireMicrophone(ctx)
	case DesktopAudio:
		return a.acquireDesktop(ctx)
	case Mixed:
		return a.acquireMixed(ctx)
	}
	return nil, fmt.Errorf("unknown audio source %q", source)
}

func opusSelector() (*mediadevices.CodecSelector, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func audioConstraints(c *mediadevices.MediaTrackConstraints) {
	c.SampleRate = prop.Int(TargetSampleRate)
	c.ChannelCount = prop.Int(MinChannels)
}

func (a *Acquirer) acquireMicrophone(ctx context.Context) (*Session, error) {
	selector, err := opusSelector()
	if err != nil {
		return nil, err
	}

	stream, err := a.getUserMedia(ctx, mediadevices.MediaStreamConstraints{
		Codec: selector,
		Audio: audioConstraints,
	})
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}

	track, err := a.pickAudioTrack(stream)
	if err != nil {
		return nil, err
	}

	sess, err := a.newSession(ctx, Microphone, track, nil)
	if err != nil {
		track.Close()
		return nil, err
	}
	return sess, nil
}

func (a *Acquirer) acquireDesktop(ctx context.Context) (*Session, error) {
	selector, err := opusSelector()
	if err != nil {
		return nil, err
	}

	stream, err := a.getDisplayMedia(ctx, mediadevices.MediaStreamConstraints{
		Codec: selector,
		Audio: audioConstraints,
	})
	if err != nil {
		return nil, fmt.Errorf("open desktop audio: %w", err)
	}

	// Screen capture may bundle a video track; only the audio is wanted.
	track, err := a.pickAudioTrack(stream)
	if err != nil {
		if err == ErrNoAudioTrack {
			return nil, ErrDesktopUnsupported
		}
		return nil, err
	}

	sess, err := a.newSession(ctx, DesktopAudio, track, nil)
	if err != nil {
		track.Close()
		return nil, err
	}
	return sess, nil
}

func (a *Acquirer) acquireMixed(ctx context.Context) (*Session, error) {
	selector, err := opusSelector()
	if err != nil {
		return nil, err
	}

	micSess, err := a.acquireMicrophone(ctx)
	if err != nil {
		return nil, err
	}
	deskSess, err := a.acquireDesktop(ctx)
	if err != nil {
		micSess.Close()
		return nil, err
	}

	micRaw, err := rawReader(micSess.track)
	if err == nil {
		var deskRaw audio.Reader
		deskRaw, err = rawReader(deskSess.track)
		if err == nil {
			id := uuid.NewString()
			source := newMixerSource(id, micRaw, deskRaw, a.micGain, a.desktopGain)
			mixed := mediadevices.NewAudioTrack(source, selector)

			sess, serr := a.newSession(ctx, Mixed, mixed, []*Session{micSess, deskSess})
			if serr == nil {
				return sess, nil
			}
			mixed.Close()
			err = serr
		}
	}

	deskSess.Close()
	micSess.Close()
	return nil, err
}

// getUserMedia runs the blocking device open on its own goroutine so a
// cancelled context does not strand the caller. A stream that arrives
// after cancellation is closed immediately.
func (a *Acquirer) getUserMedia(ctx context.Context, constraints mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
	return a.await(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
}

func (a *Acquirer) getDisplayMedia(ctx context.Context, constraints mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error) {
	return a.await(ctx, func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(constraints)
	})
}

func (a *Acquirer) await(ctx context.Context, open func() (mediadevices.MediaStream, error)) (mediadevices.MediaStream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := open()
		ch <- result{s, err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				closeStream(r.stream)
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		return r.stream, r.err
	}
}

// pickAudioTrack returns the stream's audio track and closes everything
// else. ErrNoAudioTrack when the stream carries none.
func (a *Acquirer) pickAudioTrack(stream mediadevices.MediaStream) (mediadevices.Track, error) {
	var audioTrack mediadevices.Track
	for _, track := range stream.GetTracks() {
		if audioTrack == nil && track.Kind() == webrtc.RTPCodecTypeAudio {
			audioTrack = track
			continue
		}
		track.Close()
	}
	if audioTrack == nil {
		return nil, ErrNoAudioTrack
	}
	return audioTrack, nil
}

func closeStream(stream mediadevices.MediaStream) {
	for _, track := range stream.GetTracks() {
		track.Close()
	}
}

// rawReader opens an independent PCM reader on an audio track. The raw
// broadcaster fans frames out to every consumer, so probing and metering
// never starve the encoder.
func rawReader(track mediadevices.Track) (audio.Reader, error) {
	at, ok := track.(*mediadevices.AudioTrack)
	if !ok {
		return nil, fmt.Errorf("track %s is not an audio track", track.ID())
	}
	return at.NewReader(false), nil
}

// newSession gates the track on quality and silence, then wires metering
// and the ended callback. owned lists sub-sessions (mixed mode) that close
// with this one.
func (a *Acquirer) newSession(ctx context.Context, source SourceType, track mediadevices.Track, owned []*Session) (*Session, error) {
	raw, err := rawReader(track)
	if err != nil {
		return nil, err
	}
	if err := a.probe(ctx, raw); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:     uuid.NewString(),
		Source: source,
		track:  track,
		meter:  &levelMeter{},
		events: event.New[TrackEvent]("capture-" + string(source)),
		owned:  owned,
		log:    a.log.With("session", source),
	}
	track.OnEnded(func(err error) {
		sess.onEnded(err)
	})
	go sess.meterLoop(raw)

	a.log.Info("capture session ready", "source", source, "id", sess.ID)
	return sess, nil
}

// probe inspects the first chunks of a source. The first chunk decides the
// quality gate; the whole window must contain at least one non-silent peak.
func (a *Acquirer) probe(ctx context.Context, raw audio.Reader) error {
	var (
		elapsed time.Duration
		peak    float64
		reads   int
	)
	for elapsed < a.probeWindow {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, release, err := raw.Read()
		if err != nil {
			return fmt.Errorf("probe source: %w", err)
		}
		info := chunk.ChunkInfo()
		if reads == 0 {
			if err := checkQuality(info); err != nil {
				release()
				return err
			}
		}
		if p := chunkPeak(chunk); p > peak {
			peak = p
		}
		release()

		reads++
		if info.SamplingRate > 0 {
			elapsed += time.Duration(info.Len) * time.Second / time.Duration(info.SamplingRate)
		} else if reads >= 60 {
			break
		}
	}
	if peak < silenceFloor {
		return ErrSilentSource
	}
	return nil
}
