package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrDesktopUnsupported means the runtime cannot capture desktop/display
	// audio at all (no capable driver, or an insecure context). Terminal for
	// the requested source; microphone-only mode is the documented fallback.
	ErrDesktopUnsupported = errors.New("desktop audio capture is not supported in this environment; use microphone-only mode")

	// ErrNoAudioTrack means a display share was granted but carried no audio
	// track (video-only share).
	ErrNoAudioTrack = errors.New("display share contained no audio track; re-share with audio enabled or use microphone-only mode")

	// ErrSilentSource means the microphone opened but produced only silence
	// for the whole probe window — almost always a muted or wrong device.
	ErrSilentSource = errors.New("audio source produced only silence; check the selected input device and its mute state")

	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("audio session closed")
)

// QualityError reports a source below the minimum broadcast quality. It
// names the concrete deficiency so the UI can tell the DJ what to fix.
type QualityError struct {
	SampleRate int
	Channels   int
}

func (e *QualityError) Error() string {
	switch {
	case e.SampleRate < MinSampleRate && e.Channels < MinChannels:
		return fmt.Sprintf("source quality too low: %d Hz / %d channel(s); need at least %d Hz stereo",
			e.SampleRate, e.Channels, MinSampleRate)
	case e.SampleRate < MinSampleRate:
		return fmt.Sprintf("source sample rate too low: %d Hz, need at least %d Hz", e.SampleRate, MinSampleRate)
	default:
		return fmt.Sprintf("source has %d channel(s), need at least %d", e.Channels, MinChannels)
	}
}
