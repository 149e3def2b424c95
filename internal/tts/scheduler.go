package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/voiceline/internal/audiocache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Cache is the subset of the audio cache the scheduler needs.
type Cache interface {
	Get(fingerprint string) (audiocache.Artifact, bool)
	Put(fingerprint string, data []byte, format string) (audiocache.Artifact, error)
}

// VoiceProfile is the voice and prosody applied to every request.
type VoiceProfile struct {
	Voice  string
	Style  string
	Pitch  float64
	Rate   float64
	Format string
}

// Result is an artifact plus whether it came from the cache. Cached is
// informational only.
type Result struct {
	Artifact audiocache.Artifact
	Cached   bool
}

// Report summarizes a warm-up batch.
type Report struct {
	Requested int
	Cached    int
	Generated int
	Failed    int
	Errors    []error
}

// Scheduler serializes (or bounds) synthesis calls so that long batches never
// hold idle backend connections open, and collapses concurrent misses for the
// same fingerprint into one backend call. The bound covers warm-up and
// on-demand requests alike.
type Scheduler struct {
	synth       Synthesizer
	cache       Cache
	profile     VoiceProfile
	concurrency int
	timeout     time.Duration
	slots       *semaphore.Weighted
	group       singleflight.Group
	logger      *slog.Logger
	requests    metric.Int64Counter
	generated   atomic.Int64
}

func NewScheduler(synth Synthesizer, cache Cache, profile VoiceProfile, concurrency int, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > 3 {
		concurrency = 3
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if profile.Format == "" {
		profile.Format = "mp3"
	}
	s := &Scheduler{
		synth:       synth,
		cache:       cache,
		profile:     profile,
		concurrency: concurrency,
		timeout:     timeout,
		slots:       semaphore.NewWeighted(int64(concurrency)),
		logger:      logger.With(slog.String("component", "synthesis-scheduler")),
	}
	counter, err := otel.Meter("github.com/loqalabs/voiceline").Int64Counter("voiceline.synthesis.requests",
		metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		s.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	} else {
		s.requests = counter
	}
	return s
}

// Key returns the cache key for text under the scheduler's voice profile.
func (s *Scheduler) Key(text string) audiocache.Key {
	return audiocache.Key{Text: text, Voice: s.profile.Voice, Pitch: s.profile.Pitch, Rate: s.profile.Rate}
}

// Lookup checks the cache only.
func (s *Scheduler) Lookup(text string) (audiocache.Artifact, bool) {
	a, ok := s.cache.Get(s.Key(text).Fingerprint())
	if ok {
		s.count(context.Background(), "hit")
	}
	return a, ok
}

// Generated reports how many backend syntheses completed successfully.
func (s *Scheduler) Generated() int64 { return s.generated.Load() }

// Ensure returns a cached artifact for text, synthesizing it on a miss. The
// backend call itself is bounded by the scheduler timeout and continues to
// completion when ctx expires first, so a slow result still lands in the
// cache for the next caller.
func (s *Scheduler) Ensure(ctx context.Context, text string) (Result, error) {
	text = audiocache.NormalizeText(text)
	if text == "" {
		return Result{}, errors.New("nothing to synthesize")
	}
	fp := s.Key(text).Fingerprint()
	if a, ok := s.cache.Get(fp); ok {
		s.count(ctx, "hit")
		return Result{Artifact: a, Cached: true}, nil
	}

	ch := s.group.DoChan(fp, func() (any, error) {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.generate(bg, fp, text)
	})
	select {
	case <-ctx.Done():
		return Result{}, fmt.Errorf("synthesis wait: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return Result{Artifact: res.Val.(audiocache.Artifact)}, nil
	}
}

func (s *Scheduler) generate(ctx context.Context, fp, text string) (audiocache.Artifact, error) {
	if err := s.slots.Acquire(ctx, 1); err != nil {
		s.count(ctx, "failed")
		return audiocache.Artifact{}, fmt.Errorf("synthesis slot: %w", err)
	}
	defer s.slots.Release(1)
	// Another caller may have filled the entry while this one queued.
	if a, ok := s.cache.Get(fp); ok {
		return a, nil
	}

	start := time.Now()
	audio, err := s.synth.Synthesize(ctx, SynthRequest{
		Text:   text,
		Voice:  s.profile.Voice,
		Style:  s.profile.Style,
		Pitch:  s.profile.Pitch,
		Rate:   s.profile.Rate,
		Format: s.profile.Format,
	})
	if err != nil {
		s.count(ctx, "failed")
		return audiocache.Artifact{}, err
	}
	format := audio.Format
	if format == "" {
		format = s.profile.Format
	}
	a, err := s.cache.Put(fp, audio.Data, format)
	if err != nil {
		s.count(ctx, "failed")
		return audiocache.Artifact{}, fmt.Errorf("cache synthesized audio: %w", err)
	}
	s.generated.Add(1)
	s.count(ctx, "generated")
	s.logger.Debug("synthesized prompt",
		slog.String("fingerprint", fp),
		slog.Int("chunks", audio.Chunks),
		slog.Duration("latency", time.Since(start)))
	return a, nil
}

// Warm synthesizes texts into the cache, at most concurrency at a time. A
// failure on one text is logged and does not stop the rest.
func (s *Scheduler) Warm(ctx context.Context, texts []string) Report {
	report := Report{Requested: len(texts)}
	var cached, generated, failed atomic.Int64
	errs := make([]error, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, text := range texts {
		g.Go(func() error {
			res, err := s.Ensure(gctx, text)
			if err != nil {
				failed.Add(1)
				errs[i] = fmt.Errorf("warm %q: %w", text, err)
				s.logger.Warn("warm-up synthesis failed", slog.Int("index", i), slog.String("error", err.Error()))
				return nil
			}
			if res.Cached {
				cached.Add(1)
			} else {
				generated.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Cached = int(cached.Load())
	report.Generated = int(generated.Load())
	report.Failed = int(failed.Load())
	for _, err := range errs {
		if err != nil {
			report.Errors = append(report.Errors, err)
		}
	}
	s.logger.Info("warm-up complete",
		slog.Int("requested", report.Requested),
		slog.Int("cached", report.Cached),
		slog.Int("generated", report.Generated),
		slog.Int("failed", report.Failed))
	return report
}

// Prefetch starts a detached Ensure for text and returns immediately.
func (s *Scheduler) Prefetch(ctx context.Context, text string) {
	go func() {
		bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if _, err := s.Ensure(bg, text); err != nil {
			s.logger.Warn("prefetch synthesis failed", slog.String("error", err.Error()))
		}
	}()
}

func (s *Scheduler) count(ctx context.Context, result string) {
	if s.requests == nil {
		return
	}
	s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
