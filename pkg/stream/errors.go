package stream

import "errors"

// Common errors.
var (
	ErrNilHandler          = errors.New("stream: handler is nil")
	ErrUnsupportedModality = errors.New("stream: unsupported modality")
	ErrUnsupportedMode     = errors.New("stream: unsupported mode")
	ErrConcurrencyLimit    = errors.New("stream: concurrency limit reached")
	ErrSessionNotFound     = errors.New("stream: session not found")
	ErrSessionExists       = errors.New("stream: session id already in use")
	ErrClosed              = errors.New("stream: closed")
)
