// Package echo is the echo demo: a handler that replies with exactly what
// the caller said, and the application that serves it.
package echo

import (
	"context"
	"iter"

	"github.com/teslashibe/go-echo/pkg/audio"
	"github.com/teslashibe/go-echo/pkg/reply"
)

// Echo yields the captured utterance once, unchanged.
func Echo(_ context.Context, utterance audio.Segment) iter.Seq2[audio.Segment, error] {
	return func(yield func(audio.Segment, error) bool) {
		yield(utterance, nil)
	}
}

var _ reply.Handler = Echo
