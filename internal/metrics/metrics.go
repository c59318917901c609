// Package metrics holds the Prometheus collectors for the echo server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "echo"

// Metrics contains the collectors updated by the stream layer.
type Metrics struct {
	// Session metrics
	ActiveSessions   *prometheus.GaugeVec
	SessionsStarted  *prometheus.CounterVec
	SessionsRejected prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Turn metrics
	PausesDetected     prometheus.Counter
	UtteranceDuration  prometheus.Histogram
	RepliesCompleted   prometheus.Counter
	RepliesInterrupted prometheus.Counter
	ReplyErrors        prometheus.Counter
	FirstOutputLatency prometheus.Histogram

	// Transport metrics
	FramesIn  *prometheus.CounterVec
	FramesOut *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		ActiveSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of open audio sessions",
		}, []string{"transport"}),
		SessionsStarted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Total number of audio sessions opened",
		}, []string{"transport"}),
		SessionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_rejected_total",
			Help:      "Sessions refused because the concurrency limit was reached",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed audio sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		PausesDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pauses_detected_total",
			Help:      "Utterances closed by a detected pause",
		}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Length of captured utterances handed to the reply handler",
			Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 20, 30},
		}),
		RepliesCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_completed_total",
			Help:      "Replies whose output sequence ran to completion",
		}),
		RepliesInterrupted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_interrupted_total",
			Help:      "Replies cancelled by caller speech or session close",
		}),
		ReplyErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_errors_total",
			Help:      "Replies that ended with a handler or transport error",
		}),
		FirstOutputLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_first_output_seconds",
			Help:      "Time from pause detection to the first reply frame",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),

		FramesIn: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_in_total",
			Help:      "Decoded audio frames received from callers",
		}, []string{"transport"}),
		FramesOut: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_out_total",
			Help:      "Encoded audio frames sent back to callers",
		}, []string{"transport"}),
	}
}
