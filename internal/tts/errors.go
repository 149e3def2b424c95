package tts

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyStream means the backend closed the stream without sending any
	// audio chunk.
	ErrEmptyStream = errors.New("synthesis stream ended without audio")
	// ErrConnectTimeout means the backend produced no frame within the
	// connect window.
	ErrConnectTimeout = errors.New("synthesis backend did not respond within connect timeout")
)

// StreamError carries an error frame reported by the backend mid-stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("synthesis backend error: %s", e.Message)
}
