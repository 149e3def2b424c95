package prompt

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/voiceline/internal/audiocache"
	"github.com/loqalabs/voiceline/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Synth is what the renderer needs from the synthesis scheduler.
type Synth interface {
	Lookup(text string) (audiocache.Artifact, bool)
	Ensure(ctx context.Context, text string) (tts.Result, error)
	Prefetch(ctx context.Context, text string)
}

// Linker maps an artifact to the URL the transport fetches it from.
type Linker interface {
	URL(a audiocache.Artifact) string
}

// Mode selects how much work a render may do.
type Mode int

const (
	// CachedOnly never synthesizes; misses are spoken by the built-in voice
	// and queued for synthesis so later turns hit the cache.
	CachedOnly Mode = iota
	// SynthOnMiss synthesizes on a miss, bounded by the render ceiling and
	// whatever remains of the caller's deadline.
	SynthOnMiss
)

const deadlineMargin = 500 * time.Millisecond

// Renderer turns a message into a Play of cached audio or, when synthesis is
// unavailable or too slow, a Say in the transport's built-in voice.
type Renderer struct {
	synth         Synth
	links         Linker
	fallbackVoice string
	ceiling       time.Duration
	logger        *slog.Logger
	fallbacks     metric.Int64Counter
}

func NewRenderer(synth Synth, links Linker, fallbackVoice string, ceiling time.Duration, logger *slog.Logger) *Renderer {
	if ceiling <= 0 {
		ceiling = 8 * time.Second
	}
	r := &Renderer{
		synth:         synth,
		links:         links,
		fallbackVoice: fallbackVoice,
		ceiling:       ceiling,
		logger:        logger.With(slog.String("component", "prompt-renderer")),
	}
	counter, err := otel.Meter("github.com/loqalabs/voiceline").Int64Counter("voiceline.prompt.fallback_voice",
		metric.WithDescription("Prompts spoken by the built-in voice instead of synthesized audio"))
	if err != nil {
		r.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		r.fallbacks = counter
	}
	return r
}

// Speak renders text as a single verb. It never fails.
func (r *Renderer) Speak(ctx context.Context, text string, mode Mode) Verb {
	if text == "" {
		return Pause{Length: 1}
	}
	if a, ok := r.synth.Lookup(text); ok {
		return Play{URL: r.links.URL(a)}
	}
	if mode == CachedOnly {
		r.synth.Prefetch(ctx, text)
		return r.say(ctx, text, "not_cached")
	}

	limit := r.ceiling
	if dl, ok := ctx.Deadline(); ok {
		if remaining := time.Until(dl) - deadlineMargin; remaining < limit {
			limit = remaining
		}
	}
	if limit <= 0 {
		r.synth.Prefetch(ctx, text)
		return r.say(ctx, text, "no_budget")
	}

	sctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	res, err := r.synth.Ensure(sctx, text)
	if err != nil {
		r.logger.Warn("synthesis unavailable, using built-in voice",
			slog.String("error", err.Error()),
			slog.Duration("limit", limit))
		return r.say(ctx, text, "synthesis_failed")
	}
	return Play{URL: r.links.URL(res.Artifact)}
}

func (r *Renderer) say(ctx context.Context, text, reason string) Verb {
	if r.fallbacks != nil {
		r.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return Say{Voice: r.fallbackVoice, Text: text}
}
