package uplink

// Minimal WebM/EBML muxing for the audio uplink — pure Go, no external
// dependencies. The stream is a live WebM file with a single Opus track:
// the first message is the init segment (EBML header + Segment start +
// Info + Tracks), every later message is one self-contained Cluster.

import (
	"bytes"
	"encoding/binary"
	"math"
)

// ebmlVint encodes v as an EBML variable-length integer for element sizes.
// Valid range: 0..268435454 (4-byte max, sufficient for any uplink chunk).
func ebmlVint(v uint64) []byte {
	switch {
	case v < 0x7F: // 1 byte: 0xxxxxxx → 1xxxxxxx
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF: // 2 bytes
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF: // 3 bytes
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default: // 4 bytes
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// ebmlUnkSize is the 8-byte unknown-size marker used for the streaming
// Segment element whose length is not known at write time.
var ebmlUnkSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// ebmlElem encodes an EBML element: id bytes + vint(len(data)) + data.
func ebmlElem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, ebmlVint(uint64(len(data)))...)
	return append(b, data...)
}

// ebmlUint encodes an unsigned integer in the minimal number of big-endian bytes.
func ebmlUint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func ebmlConcat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

var (
	idEBML         = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idCodecPrv     = []byte{0x63, 0xA2}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

const (
	opusSampleRate = 48000
	opusChannels   = 2
	audioTrackNum  = 1
)

// opusHead is the codec private data (OpusHead) for stereo 48 kHz Opus.
// Required by WebM for Opus audio tracks.
var opusHead = []byte{
	'O', 'p', 'u', 's', 'H', 'e', 'a', 'd', // magic
	0x01,       // version = 1
	0x02,       // channels = 2 (stereo)
	0x38, 0x01, // pre-skip = 312 (LE)
	0x80, 0xBB, 0x00, 0x00, // input sample rate = 48000 (LE)
	0x00, 0x00, // output gain = 0 (LE)
	0x00, // channel mapping family = 0
}

// webmInitSegment returns the WebM initialisation segment for an
// audio-only Opus stream: EBML header + Segment (unknown size) + Info +
// Tracks.
func webmInitSegment() []byte {
	var buf bytes.Buffer

	ebmlBody := ebmlConcat(
		ebmlElem(idEBMLVersion, ebmlUint(1)),
		ebmlElem(idEBMLReadVer, ebmlUint(1)),
		ebmlElem(idEBMLMaxIDLen, ebmlUint(4)),
		ebmlElem(idEBMLMaxSzLen, ebmlUint(8)),
		ebmlElem(idDocType, []byte("webm")),
		ebmlElem(idDocTypeVer, ebmlUint(2)),
		ebmlElem(idDocTypeRdVer, ebmlUint(2)),
	)
	buf.Write(ebmlElem(idEBML, ebmlBody))

	// Segment with unknown size (streaming)
	buf.Write(idSegment)
	buf.Write(ebmlUnkSize)

	infoBody := ebmlConcat(
		ebmlElem(idTcScale, ebmlUint(1000000)), // 1 ms per timecode unit
		ebmlElem(idMuxApp, []byte("aircast")),
		ebmlElem(idWrtApp, []byte("aircast")),
	)
	buf.Write(ebmlElem(idInfo, infoBody))

	// SamplingFrequency: 4-byte IEEE 754 float
	freqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(freqBytes, math.Float32bits(opusSampleRate))
	audioBody := ebmlConcat(
		ebmlElem(idSampFreq, freqBytes),
		ebmlElem(idChannels, ebmlUint(opusChannels)),
	)
	audioEntry := ebmlConcat(
		ebmlElem(idTrackNum, ebmlUint(audioTrackNum)),
		ebmlElem(idTrackUID, ebmlUint(audioTrackNum)),
		ebmlElem(idTrackType, ebmlUint(2)), // 2 = audio
		ebmlElem(idCodecID, []byte("A_OPUS")),
		ebmlElem(idCodecPrv, opusHead),
		ebmlElem(idAudio, audioBody),
	)
	buf.Write(ebmlElem(idTracks, ebmlElem(idTrackEntry, audioEntry)))
	return buf.Bytes()
}

// webmCluster builds a complete Cluster message from pre-encoded
// SimpleBlock elements. clusterMs is the cluster's absolute timecode.
// Known size so the receiver never scans for the next cluster start.
func webmCluster(clusterMs int64, blocks []byte) []byte {
	tcElem := ebmlElem(idTimecode, ebmlUint(uint64(clusterMs)))
	return ebmlElem(idCluster, ebmlConcat(tcElem, blocks))
}

// webmSimpleBlock encodes a single SimpleBlock element. relMs is the
// timecode relative to cluster start (signed int16). Opus frames are all
// keyframes.
func webmSimpleBlock(relMs int16, data []byte) []byte {
	trackVint := ebmlVint(audioTrackNum)
	content := make([]byte, len(trackVint)+2+1+len(data))
	copy(content, trackVint)
	binary.BigEndian.PutUint16(content[len(trackVint):], uint16(relMs))
	content[len(trackVint)+2] = 0x80 // keyframe flag
	copy(content[len(trackVint)+3:], data)
	return ebmlElem(idSimpleBlock, content)
}
