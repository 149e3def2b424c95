package stt

import (
	"context"
)

type mockRecognizer struct{}

// NewMockRecognizer returns a fixed transcript regardless of input.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, audio []byte, _ string) (TranscriptResult, error) {
	if len(audio) == 0 {
		return TranscriptResult{}, nil
	}
	return TranscriptResult{
		Text:       "In my last role I led a small team through a difficult migration and we shipped on time.",
		Confidence: 1,
	}, nil
}
