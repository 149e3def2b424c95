package stt

import (
	"context"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts STT backends. audio is a complete recording in the
// given container format ("wav" or raw "pcm").
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte, format string) (TranscriptResult, error)
}
