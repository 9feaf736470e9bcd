package playback

// Element is the audio output the controller drives. The production
// implementation streams over HTTP; tests substitute a scripted element.
type Element interface {
	// Play starts fetching and playing the stream at url, replacing any
	// current playback.
	Play(url string) error
	// Pause halts output but keeps the element ready to resume.
	Pause()
	// Stop tears down the current stream entirely.
	Stop()
	SetVolume(v int)
	SetMuted(muted bool)
	// Events delivers element lifecycle signals. The cancel func releases
	// the subscription.
	Events() (<-chan ElementEvent, func())
	Close() error
}

// ElementEventKind classifies element signals.
type ElementEventKind int

const (
	// ElementPlaying fires once audio is actually flowing.
	ElementPlaying ElementEventKind = iota
	// ElementStalled fires when the stream stops delivering data without
	// a clean end.
	ElementStalled
	// ElementEnded fires when the server closes the stream.
	ElementEnded
	// ElementFailed fires when the stream cannot be opened at all.
	ElementFailed
)

func (k ElementEventKind) String() string {
	switch k {
	case ElementPlaying:
		return "playing"
	case ElementStalled:
		return "stalled"
	case ElementEnded:
		return "ended"
	case ElementFailed:
		return "failed"
	}
	return "unknown"
}

// ElementEvent is one lifecycle signal from an Element.
type ElementEvent struct {
	Kind ElementEventKind
	Err  error
}
