package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/voiceline/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text   string
	Voice  string
	Style  string
	Pitch  float64
	Rate   float64
	Format string
}

// Audio is one fully assembled synthesis result.
type Audio struct {
	Data   []byte
	Format string
	Chunks int
}

// Synthesizer is the contract for producing audio. Implementations return
// either a non-empty playable artifact or an error.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (Audio, error)
}

// New selects the backend named by cfg.Mode.
func New(cfg config.SynthesisConfig) (Synthesizer, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "mock":
		return NewMockSynth(0), nil
	case "websocket":
		return NewWebSocketSynth(WebSocketConfig{
			Endpoint:       cfg.Endpoint,
			APIKey:         cfg.APIKey,
			SampleRate:     cfg.SampleRate,
			Channels:       cfg.Channels,
			ConnectTimeout: config.Millis(cfg.ConnectTimeoutMS),
			OverallTimeout: config.Millis(cfg.OverallTimeoutMS),
		})
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels, config.Millis(cfg.OverallTimeoutMS))
	default:
		return nil, fmt.Errorf("unknown synthesis mode %q", cfg.Mode)
	}
}

// ProfileFrom extracts the voice and prosody settings from cfg.
func ProfileFrom(cfg config.SynthesisConfig) VoiceProfile {
	return VoiceProfile{
		Voice:  cfg.Voice,
		Style:  cfg.Style,
		Pitch:  cfg.Pitch,
		Rate:   cfg.Rate,
		Format: cfg.Format,
	}
}
