package tts

import (
	"context"
	"crypto/sha256"
	"time"
)

type mockSynth struct {
	delay time.Duration
}

// NewMockSynth returns a synthesizer producing deterministic bytes derived
// from the request, for development without a backend.
func NewMockSynth(delay time.Duration) Synthesizer {
	return &mockSynth{delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	select {
	case <-ctx.Done():
		return Audio{}, ctx.Err()
	case <-time.After(m.delay):
	}
	if req.Text == "" {
		return Audio{}, ErrEmptyStream
	}
	sum := sha256.Sum256([]byte(req.Voice + "|" + req.Text))
	data := append([]byte("MOCK"), sum[:]...)
	return Audio{Data: data, Format: req.Format, Chunks: 1}, nil
}
