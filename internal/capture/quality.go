package capture

import (
	"github.com/pion/mediadevices/pkg/wave"
)

const (
	// MinSampleRate and MinChannels form the client-side quality gate. The
	// server enforces the same floor as a second line of defense and closes
	// the uplink with a quality-rejected code when a non-introspectable
	// source slips through.
	MinSampleRate = 44100
	MinChannels   = 2

	// TargetSampleRate is what capture requests; drivers that cannot honor
	// it fall back to their native rate, which the gate then inspects.
	TargetSampleRate = 48000

	// silenceFloor is the peak amplitude (normalized -1..1) below which a
	// probe window counts as silent.
	silenceFloor = 0.001
)

// checkQuality applies the gate to an observed chunk layout. A zero info
// (nothing observable) passes: the server is the second line of defense.
func checkQuality(info wave.ChunkInfo) error {
	if info.SamplingRate == 0 && info.Channels == 0 {
		return nil
	}
	if info.SamplingRate < MinSampleRate || info.Channels < MinChannels {
		return &QualityError{SampleRate: info.SamplingRate, Channels: info.Channels}
	}
	return nil
}

// waveFullScale is what wave.Sample.Int() returns for a full-scale 1.0
// sample: the wave package scales every format to a 32-bit fraction.
const waveFullScale = float64(int64(1) << 32)

// sampleValue normalizes one sample to -1..1.
func sampleValue(s wave.Sample) float64 {
	return float64(s.Int()) / waveFullScale
}

// chunkPeak returns the largest absolute sample amplitude in the chunk,
// normalized to 0..1.
func chunkPeak(chunk wave.Audio) float64 {
	info := chunk.ChunkInfo()
	peak := 0.0
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			v := sampleValue(chunk.At(i, ch))
			if v < 0 {
				v = -v
			}
			if v > peak {
				peak = v
			}
		}
	}
	return peak
}
