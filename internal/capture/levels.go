package capture

import (
	"math"
	"sync/atomic"

	"github.com/pion/mediadevices/pkg/wave"
)

// levelMeter tracks the loudness of a PCM stream as a 0-100 RMS value.
// The meter is fed from its own raw reader, so reading the level never
// touches the chunks headed for the encoder.
type levelMeter struct {
	level atomic.Int32
}

func (l *levelMeter) Level() int {
	return int(l.level.Load())
}

func (l *levelMeter) observe(chunk wave.Audio) {
	info := chunk.ChunkInfo()
	n := info.Len * info.Channels
	if n == 0 {
		return
	}
	var sum float64
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			v := sampleValue(chunk.At(i, ch))
			sum += v * v
		}
	}
	rms := math.Sqrt(sum / float64(n))
	scaled := int32(math.Round(rms * 100))
	if scaled > 100 {
		scaled = 100
	}
	l.level.Store(scaled)
}
