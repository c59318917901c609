// Package vad provides voice activity detection over PCM segments.
package vad

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-echo/pkg/audio"
)

// Defaults for the energy detector.
const (
	DefaultThreshold = 0.5
	DefaultWindow    = 30 * time.Millisecond

	// fullScaleLevel is the RMS (fraction of full scale) mapped to probability 1.
	// 0.1 is roughly -20 dBFS, a comfortable speaking level on a browser mic.
	fullScaleLevel = 0.1
)

// Detector measures how much of a segment contains speech.
type Detector interface {
	// SpeechDuration returns the total length of windows classified as speech.
	SpeechDuration(seg audio.Segment) time.Duration
}

// Stats contains detector counters.
type Stats struct {
	TotalWindows    uint64  `json:"total_windows"`
	VoiceWindows    uint64  `json:"voice_windows"`
	VoicePercentage float64 `json:"voice_percentage"`
	Threshold       float64 `json:"threshold"`
}

// Energy is an RMS-based detector. Each window's level is mapped to a
// speech probability and compared against the threshold.
// It is safe for concurrent use.
type Energy struct {
	threshold float64
	window    time.Duration

	totalWindows atomic.Uint64
	voiceWindows atomic.Uint64
}

// NewEnergy creates an energy detector. threshold must be within [0, 1]
// and window positive.
func NewEnergy(threshold float64, window time.Duration) (*Energy, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("vad: threshold must be between 0 and 1, got %f", threshold)
	}
	if window <= 0 {
		return nil, fmt.Errorf("vad: window must be positive, got %v", window)
	}
	return &Energy{threshold: threshold, window: window}, nil
}

// Probability maps the RMS level of samples to a 0-1 speech probability.
func (e *Energy) Probability(samples []int16) float64 {
	return math.Min(audio.RMS(samples)/fullScaleLevel, 1)
}

// SpeechDuration splits seg into windows and sums the voiced ones.
// A trailing partial window counts by its own length.
func (e *Energy) SpeechDuration(seg audio.Segment) time.Duration {
	mono := seg.Mono()
	var speech time.Duration
	for _, w := range audio.Split(mono, e.window) {
		e.totalWindows.Add(1)
		if e.Probability(w.Samples) >= e.threshold {
			e.voiceWindows.Add(1)
			speech += w.Duration()
		}
	}
	return speech
}

// Stats returns detector counters.
func (e *Energy) Stats() Stats {
	total := e.totalWindows.Load()
	voice := e.voiceWindows.Load()

	pct := 0.0
	if total > 0 {
		pct = float64(voice) / float64(total) * 100
	}
	return Stats{
		TotalWindows:    total,
		VoiceWindows:    voice,
		VoicePercentage: pct,
		Threshold:       e.threshold,
	}
}

var _ Detector = (*Energy)(nil)
