package reply

import (
	"sync"
	"time"
)

// historySize is how many finished turns are kept for averaging.
const historySize = 100

// TurnMetrics tracks latency for one pause-to-reply turn.
// All latencies are measured from the moment the pause was detected.
type TurnMetrics struct {
	// Timestamps for key events
	PauseTime       time.Time `json:"pause_time"`
	FirstOutputTime time.Time `json:"first_output_time"`
	DoneTime        time.Time `json:"done_time"`

	// Computed latencies (from pause)
	FirstOutputLatency time.Duration `json:"first_output_latency"`
	TotalLatency       time.Duration `json:"total_latency"`

	// Utterance is the length of the captured speech.
	Utterance time.Duration `json:"utterance"`

	// Counts for this turn
	OutputSegments int  `json:"output_segments"`
	Interrupted    bool `json:"interrupted"`
}

// MetricsCollector collects turn metrics for one session.
// It is goroutine-safe.
type MetricsCollector struct {
	mu      sync.Mutex
	current TurnMetrics
	history []TurnMetrics
	turns   int
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		history: make([]TurnMetrics, 0, historySize),
	}
}

// MarkPause starts a new turn.
func (m *MetricsCollector) MarkPause(utterance time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = TurnMetrics{PauseTime: time.Now(), Utterance: utterance}
}

// MarkOutput records one emitted segment; the first one sets the latency.
func (m *MetricsCollector) MarkOutput() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.OutputSegments++
	if m.current.FirstOutputTime.IsZero() {
		m.current.FirstOutputTime = time.Now()
		m.current.FirstOutputLatency = m.current.FirstOutputTime.Sub(m.current.PauseTime)
	}
}

// MarkDone closes the turn, archives it and returns it.
func (m *MetricsCollector) MarkDone(interrupted bool) TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.DoneTime = time.Now()
	m.current.TotalLatency = m.current.DoneTime.Sub(m.current.PauseTime)
	m.current.Interrupted = interrupted

	m.turns++
	m.history = append(m.history, m.current)
	if len(m.history) > historySize {
		m.history = m.history[1:]
	}
	return m.current
}

// Turns returns how many turns have finished.
func (m *MetricsCollector) Turns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turns
}

// Average returns average latencies over recent turns.
func (m *MetricsCollector) Average() TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.history) == 0 {
		return TurnMetrics{}
	}

	var avg TurnMetrics
	for _, h := range m.history {
		avg.FirstOutputLatency += h.FirstOutputLatency
		avg.TotalLatency += h.TotalLatency
		avg.Utterance += h.Utterance
	}

	n := time.Duration(len(m.history))
	avg.FirstOutputLatency /= n
	avg.TotalLatency /= n
	avg.Utterance /= n
	return avg
}
