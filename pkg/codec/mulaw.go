package codec

import (
	"time"

	"github.com/zaf/g711"

	"github.com/teslashibe/go-echo/pkg/audio"
)

// μ-law telephony constants.
const (
	MuLawSampleRate = 8000
	MuLawFrame      = 20 * time.Millisecond
)

// DecodeMuLaw expands 8kHz μ-law bytes into a mono PCM segment.
func DecodeMuLaw(data []byte) audio.Segment {
	return audio.FromBytes(g711.DecodeUlaw(data), MuLawSampleRate, 1)
}

// EncodeMuLaw converts seg to 8kHz mono and compresses it to μ-law.
func EncodeMuLaw(seg audio.Segment) []byte {
	return g711.EncodeUlaw(seg.To(MuLawSampleRate).Bytes())
}

// MuLawFrames encodes seg and cuts the result into 20ms payloads.
func MuLawFrames(seg audio.Segment) [][]byte {
	data := EncodeMuLaw(seg)
	size := audio.FrameCount(MuLawSampleRate, MuLawFrame)

	frames := make([][]byte, 0, len(data)/size+1)
	for from := 0; from < len(data); from += size {
		frames = append(frames, data[from:min(from+size, len(data))])
	}
	return frames
}
