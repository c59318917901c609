package reply

import (
	"github.com/teslashibe/go-echo/pkg/audio"
	"github.com/teslashibe/go-echo/pkg/vad"
)

// Event is the outcome of feeding audio to a PauseDetector.
type Event int

const (
	// EventNone means nothing changed.
	EventNone Event = iota
	// EventStartedTalking means the caller began an utterance.
	EventStartedTalking
	// EventPause means the caller stopped and the utterance is ready.
	EventPause
)

func (e Event) String() string {
	switch e {
	case EventStartedTalking:
		return "started_talking"
	case EventPause:
		return "pause"
	default:
		return "none"
	}
}

// PauseDetector segments a mono stream into utterances.
// The sample rate is taken from the first frame; later frames are
// converted to it. Not safe for concurrent use.
type PauseDetector struct {
	algo     AlgoOptions
	detector vad.Detector

	sampleRate int
	chunkSize  int

	pending   []int16
	utterance []int16
	started   bool
}

// NewPauseDetector creates a detector with the given tuning.
func NewPauseDetector(algo AlgoOptions, detector vad.Detector) *PauseDetector {
	return &PauseDetector{algo: algo, detector: detector}
}

// Feed buffers frame and evaluates every complete chunk. It stops at the
// first pause so the caller can take the utterance; leftover input stays
// buffered for the next turn.
func (p *PauseDetector) Feed(frame audio.Segment) Event {
	// A frame without a rate cannot size chunks; never latch onto one.
	if frame.Empty() || frame.SampleRate <= 0 {
		return EventNone
	}
	if p.sampleRate == 0 {
		p.sampleRate = frame.SampleRate
		p.chunkSize = audio.FrameCount(p.sampleRate, p.algo.ChunkDuration)
	}
	p.pending = append(p.pending, frame.To(p.sampleRate).Samples...)

	ev := EventNone
	for p.chunkSize > 0 && len(p.pending) >= p.chunkSize {
		chunk := audio.New(p.pending[:p.chunkSize], p.sampleRate, 1)
		speech := p.detector.SpeechDuration(chunk)

		if !p.started && speech > p.algo.StartedTalkingThreshold {
			p.started = true
			ev = EventStartedTalking
		}
		if p.started {
			p.utterance = append(p.utterance, chunk.Samples...)
		}

		p.pending = p.pending[p.chunkSize:]

		if p.started && speech < p.algo.SpeechThreshold {
			return EventPause
		}
	}
	return ev
}

// Started reports whether an utterance is in progress.
func (p *PauseDetector) Started() bool {
	return p.started
}

// Utterance returns a copy of the speech collected for the current turn.
func (p *PauseDetector) Utterance() audio.Segment {
	return audio.New(append([]int16(nil), p.utterance...), p.sampleRate, 1)
}

// Reset clears the current turn. Buffered input that has not yet filled a
// chunk is kept.
func (p *PauseDetector) Reset() {
	p.utterance = p.utterance[:0]
	p.started = false
}
