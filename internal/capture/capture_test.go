package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/mediadevices/pkg/wave"
)

func makeChunk(info wave.ChunkInfo, value float32) wave.Audio {
	chunk := wave.NewFloat32Interleaved(info)
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			chunk.SetFloat32(i, ch, wave.Float32Sample(value))
		}
	}
	return chunk
}

func goodInfo() wave.ChunkInfo {
	return wave.ChunkInfo{Len: 480, Channels: 2, SamplingRate: 48000}
}

func TestCheckQuality(t *testing.T) {
	cases := []struct {
		name string
		info wave.ChunkInfo
		ok   bool
	}{
		{"target rate stereo", wave.ChunkInfo{Len: 480, Channels: 2, SamplingRate: 48000}, true},
		{"minimum rate stereo", wave.ChunkInfo{Len: 441, Channels: 2, SamplingRate: 44100}, true},
		{"rate too low", wave.ChunkInfo{Len: 220, Channels: 2, SamplingRate: 22050}, false},
		{"mono", wave.ChunkInfo{Len: 480, Channels: 1, SamplingRate: 48000}, false},
		{"unknown format passes", wave.ChunkInfo{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkQuality(tc.info)
			if tc.ok && err != nil {
				t.Fatalf("checkQuality(%+v) = %v, want nil", tc.info, err)
			}
			if !tc.ok {
				var qe *QualityError
				if !errors.As(err, &qe) {
					t.Fatalf("checkQuality(%+v) = %v, want QualityError", tc.info, err)
				}
			}
		})
	}
}

func TestSampleValueNormalization(t *testing.T) {
	cases := []struct {
		in   float32
		want float64
	}{
		{1.0, 1.0},
		{-1.0, -1.0},
		{0.5, 0.5},
		{0, 0},
	}
	for _, tc := range cases {
		got := sampleValue(wave.Float32Sample(tc.in))
		if diff := got - tc.want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("sampleValue(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestChunkPeak(t *testing.T) {
	silent := makeChunk(goodInfo(), 0)
	if p := chunkPeak(silent); p != 0 {
		t.Fatalf("peak of silence = %v, want 0", p)
	}
	loud := makeChunk(goodInfo(), 0.5)
	if p := chunkPeak(loud); p <= silenceFloor {
		t.Fatalf("peak of loud chunk = %v, want > %v", p, silenceFloor)
	}
}

func TestMixChunksClampsAndAttenuates(t *testing.T) {
	info := wave.ChunkInfo{Len: 4, Channels: 2, SamplingRate: 48000}
	a := makeChunk(info, 0.9)
	b := makeChunk(info, 0.9)

	out := mixChunks(a, b, 1.0, 1.0)
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			if v := sampleValue(out.At(i, ch)); v > 1.0001 {
				t.Fatalf("sample [%d,%d] = %v, want clamped to 1", i, ch, v)
			}
		}
	}

	// Attenuated mix stays below the sum of the inputs.
	out = mixChunks(a, b, 1.0, DefaultDesktopGain)
	v := sampleValue(out.At(0, 0))
	if v <= sampleValue(a.At(0, 0)) {
		t.Fatalf("mixed sample %v should exceed single source %v", v, sampleValue(a.At(0, 0)))
	}
}

func TestMixChunksHandlesShorterSecondSource(t *testing.T) {
	long := makeChunk(wave.ChunkInfo{Len: 8, Channels: 2, SamplingRate: 48000}, 0.3)
	short := makeChunk(wave.ChunkInfo{Len: 4, Channels: 2, SamplingRate: 48000}, 0.3)

	out := mixChunks(long, short, 1.0, 1.0)
	if got := out.ChunkInfo().Len; got != 8 {
		t.Fatalf("mixed chunk len = %d, want 8", got)
	}
	// Beyond the short source only the first input contributes.
	head := sampleValue(out.At(0, 0))
	tail := sampleValue(out.At(7, 0))
	if tail >= head {
		t.Fatalf("tail sample %v should be quieter than head %v", tail, head)
	}
}

func TestLevelMeter(t *testing.T) {
	var m levelMeter
	if m.Level() != 0 {
		t.Fatalf("initial level = %d, want 0", m.Level())
	}
	m.observe(makeChunk(goodInfo(), 0.5))
	if m.Level() <= 0 || m.Level() > 100 {
		t.Fatalf("level after loud chunk = %d, want in (0,100]", m.Level())
	}
	m.observe(makeChunk(goodInfo(), 0))
	if m.Level() != 0 {
		t.Fatalf("level after silence = %d, want 0", m.Level())
	}
}

type stubReader struct {
	chunks []wave.Audio
	err    error
	pos    int
}

func (s *stubReader) Read() (wave.Audio, func(), error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return nil, func() {}, s.err
		}
		s.pos = 0
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, func() {}, nil
}

func TestProbeRejectsSilence(t *testing.T) {
	a := NewAcquirer(Config{ProbeWindow: 20 * time.Millisecond})
	err := a.probe(context.Background(), &stubReader{chunks: []wave.Audio{makeChunk(goodInfo(), 0)}})
	if !errors.Is(err, ErrSilentSource) {
		t.Fatalf("probe of silent source = %v, want ErrSilentSource", err)
	}
}

func TestProbeAcceptsAudibleSource(t *testing.T) {
	a := NewAcquirer(Config{ProbeWindow: 20 * time.Millisecond})
	err := a.probe(context.Background(), &stubReader{chunks: []wave.Audio{makeChunk(goodInfo(), 0.4)}})
	if err != nil {
		t.Fatalf("probe of audible source = %v, want nil", err)
	}
}

func TestProbeRejectsLowQualityFirstChunk(t *testing.T) {
	a := NewAcquirer(Config{ProbeWindow: 20 * time.Millisecond})
	bad := makeChunk(wave.ChunkInfo{Len: 220, Channels: 1, SamplingRate: 22050}, 0.4)
	err := a.probe(context.Background(), &stubReader{chunks: []wave.Audio{bad}})
	var qe *QualityError
	if !errors.As(err, &qe) {
		t.Fatalf("probe of low-quality source = %v, want QualityError", err)
	}
}

func TestParseSourceType(t *testing.T) {
	for _, s := range []string{"microphone", "desktop", "mixed"} {
		if _, err := ParseSourceType(s); err != nil {
			t.Fatalf("ParseSourceType(%q) = %v", s, err)
		}
	}
	if _, err := ParseSourceType("vinyl"); err == nil {
		t.Fatal("ParseSourceType of unknown source should fail")
	}
}
