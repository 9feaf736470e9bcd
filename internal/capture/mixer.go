package capture

import (
	"sync"

	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/wave"
)

// Default mix gains. Desktop audio is attenuated so it does not overwhelm
// the DJ's voice; the original client shipped the same 80 % default.
const (
	DefaultMicGain     = 1.0
	DefaultDesktopGain = 0.8
)

// mixerSource combines two raw PCM readers into one stream with independent
// gain per source. The microphone reader is the clock: each output chunk
// has the mic chunk's layout, with desktop samples added over the
// overlapping region. Both sources are opened with the same constraints,
// so in practice the layouts match.
type mixerSource struct {
	id          string
	mic         audio.Reader
	desktop     audio.Reader
	micGain     float64
	desktopGain float64

	mu     sync.Mutex
	closed bool
}

func newMixerSource(id string, mic, desktop audio.Reader, micGain, desktopGain float64) *mixerSource {
	return &mixerSource{
		id:          id,
		mic:         mic,
		desktop:     desktop,
		micGain:     micGain,
		desktopGain: desktopGain,
	}
}

func (m *mixerSource) ID() string { return m.id }

func (m *mixerSource) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mixerSource) Read() (wave.Audio, func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, func() {}, ErrSessionClosed
	}
	m.mu.Unlock()

	micChunk, micRelease, err := m.mic.Read()
	if err != nil {
		return nil, func() {}, err
	}
	deskChunk, deskRelease, err := m.desktop.Read()
	if err != nil {
		micRelease()
		return nil, func() {}, err
	}

	out := mixChunks(micChunk, deskChunk, m.micGain, m.desktopGain)
	micRelease()
	deskRelease()
	return out, func() {}, nil
}

// mixChunks adds b into a with per-source gain, clamping to full scale.
// The output layout follows a.
func mixChunks(a, b wave.Audio, gainA, gainB float64) wave.Audio {
	info := a.ChunkInfo()
	out := wave.NewFloat32Interleaved(info)

	bInfo := b.ChunkInfo()
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			v := sampleValue(a.At(i, ch)) * gainA
			if i < bInfo.Len && ch < bInfo.Channels {
				v += sampleValue(b.At(i, ch)) * gainB
			}
			if v > 1 {
				v = 1
			} else if v < -1 {
				v = -1
			}
			out.SetFloat32(i, ch, wave.Float32Sample(v))
		}
	}
	return out
}
