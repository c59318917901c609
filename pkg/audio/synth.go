package audio

import (
	"math"
	"time"
)

// Sine generates a mono sine tone. amplitude is 0.0 to 1.0 of full scale.
func Sine(frequency, amplitude float64, sampleRate int, d time.Duration) Segment {
	n := FrameCount(sampleRate, d)
	samples := make([]int16, n)
	for i := range samples {
		v := amplitude * math.Sin(2*math.Pi*frequency*float64(i)/float64(sampleRate))
		samples[i] = int16(v * 32767)
	}
	return New(samples, sampleRate, 1)
}

// Silence generates a mono segment of zero samples.
func Silence(sampleRate int, d time.Duration) Segment {
	return New(make([]int16, FrameCount(sampleRate, d)), sampleRate, 1)
}

// Split cuts a segment into consecutive pieces of at most d each,
// the way a capture device hands over fixed-size buffers.
func Split(s Segment, d time.Duration) []Segment {
	step := FrameCount(s.SampleRate, d)
	if step <= 0 {
		return []Segment{s}
	}

	frames := s.Frames()
	out := make([]Segment, 0, frames/step+1)
	for from := 0; from < frames; from += step {
		out = append(out, s.Slice(from, min(from+step, frames)))
	}
	return out
}
