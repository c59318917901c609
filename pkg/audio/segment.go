// Package audio defines the PCM audio segment exchanged between transports,
// the pause detector and reply handlers, plus conversion helpers.
package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrFormatMismatch is returned when segments with different sample rates
// or channel counts are combined.
var ErrFormatMismatch = errors.New("audio: sample rate or channel mismatch")

// Segment is a buffer of interleaved PCM16 samples.
type Segment struct {
	// Samples contains interleaved PCM16 samples.
	Samples []int16

	// SampleRate is the sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels.
	Channels int
}

// New returns a segment over samples. Channels defaults to 1.
func New(samples []int16, sampleRate, channels int) Segment {
	if channels <= 0 {
		channels = 1
	}
	return Segment{Samples: samples, SampleRate: sampleRate, Channels: channels}
}

// FromBytes builds a segment from raw little-endian PCM16 bytes.
func FromBytes(data []byte, sampleRate, channels int) Segment {
	return New(BytesToSamples(data), sampleRate, channels)
}

// Bytes returns the raw little-endian PCM16 bytes of the segment.
func (s Segment) Bytes() []byte {
	return SamplesToBytes(s.Samples)
}

// Frames returns the number of samples per channel.
func (s Segment) Frames() int {
	if s.Channels <= 0 {
		return 0
	}
	return len(s.Samples) / s.Channels
}

// Duration returns the playback length of the segment.
func (s Segment) Duration() time.Duration {
	if s.SampleRate <= 0 || s.Channels <= 0 {
		return 0
	}
	return time.Duration(s.Frames()) * time.Second / time.Duration(s.SampleRate)
}

// Empty reports whether the segment carries no samples.
func (s Segment) Empty() bool {
	return len(s.Samples) == 0
}

// Clone returns a copy that does not share the sample buffer.
func (s Segment) Clone() Segment {
	out := s
	out.Samples = append([]int16(nil), s.Samples...)
	return out
}

// Mono downmixes to a single channel. Mono input is returned as-is.
func (s Segment) Mono() Segment {
	switch s.Channels {
	case 0, 1:
		return New(s.Samples, s.SampleRate, 1)
	case 2:
		return New(StereoToMono(s.Samples), s.SampleRate, 1)
	}

	frames := s.Frames()
	mono := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int32
		for ch := 0; ch < s.Channels; ch++ {
			sum += int32(s.Samples[i*s.Channels+ch])
		}
		mono[i] = int16(sum / int32(s.Channels))
	}
	return New(mono, s.SampleRate, 1)
}

// To converts the segment to mono at the given sample rate.
func (s Segment) To(sampleRate int) Segment {
	m := s.Mono()
	if m.SampleRate == sampleRate || m.SampleRate <= 0 {
		return New(m.Samples, sampleRate, 1)
	}
	return New(Resample(m.Samples, m.SampleRate, sampleRate), sampleRate, 1)
}

// Slice returns the frames in [from, to) sharing the sample buffer.
func (s Segment) Slice(from, to int) Segment {
	ch := s.Channels
	if ch <= 0 {
		ch = 1
	}
	return New(s.Samples[from*ch:to*ch], s.SampleRate, ch)
}

// Concat joins segments that share a format. Empty segments are skipped.
func Concat(segs ...Segment) (Segment, error) {
	var out Segment
	total := 0
	for _, seg := range segs {
		if seg.Empty() {
			continue
		}
		if out.SampleRate == 0 {
			out.SampleRate, out.Channels = seg.SampleRate, seg.Channels
		} else if seg.SampleRate != out.SampleRate || seg.Channels != out.Channels {
			return Segment{}, fmt.Errorf("%w: %d Hz/%d ch vs %d Hz/%d ch",
				ErrFormatMismatch, seg.SampleRate, seg.Channels, out.SampleRate, out.Channels)
		}
		total += len(seg.Samples)
	}

	out.Samples = make([]int16, 0, total)
	for _, seg := range segs {
		out.Samples = append(out.Samples, seg.Samples...)
	}
	return out, nil
}

// FrameCount returns how many samples per channel cover d at sampleRate.
func FrameCount(sampleRate int, d time.Duration) int {
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}
