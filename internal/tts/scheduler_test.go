package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/voiceline/internal/audiocache"
	"github.com/loqalabs/voiceline/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingSynth struct {
	calls    atomic.Int64
	inflight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
	fail     func(text string) error
}

func (c *countingSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	c.calls.Add(1)
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return Audio{}, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	if c.fail != nil {
		if err := c.fail(req.Text); err != nil {
			return Audio{}, err
		}
	}
	return Audio{Data: []byte("audio:" + req.Text), Format: req.Format, Chunks: 1}, nil
}

func newScheduler(t *testing.T, synth Synthesizer, concurrency int) (*Scheduler, *audiocache.Store) {
	t.Helper()
	store, err := audiocache.Open(t.TempDir(), "http://localhost/audio", 16, testLogger())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	profile := VoiceProfile{Voice: "v1", Rate: 1, Format: "mp3"}
	return NewScheduler(synth, store, profile, concurrency, 2*time.Second, testLogger()), store
}

func TestEnsureHitsCacheOnSecondRequest(t *testing.T) {
	synth := &countingSynth{}
	s, _ := newScheduler(t, synth, 1)

	first, err := s.Ensure(context.Background(), "Tell me about yourself.")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if first.Cached {
		t.Fatalf("first request should not be cached")
	}
	second, err := s.Ensure(context.Background(), "Tell me  about yourself. ")
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if !second.Cached || second.Artifact.Fingerprint != first.Artifact.Fingerprint {
		t.Fatalf("expected cache hit for identical text, got %+v", second)
	}
	if synth.calls.Load() != 1 {
		t.Fatalf("expected one backend call, got %d", synth.calls.Load())
	}
}

func TestEnsureCollapsesConcurrentMisses(t *testing.T) {
	synth := &countingSynth{delay: 50 * time.Millisecond}
	s, _ := newScheduler(t, synth, 3)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Ensure(context.Background(), "Please hold"); err != nil {
				t.Errorf("ensure: %v", err)
			}
		}()
	}
	wg.Wait()
	if synth.calls.Load() != 1 {
		t.Fatalf("expected concurrent misses to share one call, got %d", synth.calls.Load())
	}
}

func TestEnsureLateResultStillCached(t *testing.T) {
	synth := &countingSynth{delay: 150 * time.Millisecond}
	s, store := newScheduler(t, synth, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Ensure(ctx, "Slow prompt"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}

	fp := s.Key("Slow prompt").Fingerprint()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := store.Get(fp); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected late synthesis to land in the cache")
}

func TestWarmSequentialBatch(t *testing.T) {
	synth := &countingSynth{delay: 10 * time.Millisecond}
	s, _ := newScheduler(t, synth, 1)

	texts := []string{"one", "two", "three", "four", "five"}
	report := s.Warm(context.Background(), texts)
	if report.Requested != 5 || report.Generated != 5 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if synth.peak.Load() != 1 {
		t.Fatalf("expected strictly sequential synthesis, peak %d", synth.peak.Load())
	}

	again := s.Warm(context.Background(), texts)
	if again.Cached != 5 || again.Generated != 0 {
		t.Fatalf("expected second warm-up to hit cache, got %+v", again)
	}
	if synth.calls.Load() != 5 {
		t.Fatalf("expected no extra backend calls, got %d", synth.calls.Load())
	}
}

func TestWarmContinuesAfterFailure(t *testing.T) {
	synth := &countingSynth{fail: func(text string) error {
		if strings.Contains(text, "bad") {
			return ErrEmptyStream
		}
		return nil
	}}
	s, _ := newScheduler(t, synth, 2)

	report := s.Warm(context.Background(), []string{"good one", "bad one", "good two"})
	if report.Generated != 2 || report.Failed != 1 || len(report.Errors) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if !errors.Is(report.Errors[0], ErrEmptyStream) {
		t.Fatalf("expected wrapped ErrEmptyStream, got %v", report.Errors[0])
	}
}

func TestOnDemandRequestsShareConcurrencyBound(t *testing.T) {
	synth := &countingSynth{delay: 50 * time.Millisecond}
	s, _ := newScheduler(t, synth, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Ensure(context.Background(), fmt.Sprintf("question %d", i)); err != nil {
				t.Errorf("ensure %d: %v", i, err)
			}
		}()
	}
	wg.Wait()
	if synth.calls.Load() != 8 {
		t.Fatalf("expected 8 backend calls, got %d", synth.calls.Load())
	}
	if peak := synth.peak.Load(); peak != 1 {
		t.Fatalf("expected sequential synthesis, peak was %d", peak)
	}
}

func TestPrefetchDuringWarmRespectsBound(t *testing.T) {
	synth := &countingSynth{delay: 30 * time.Millisecond}
	s, _ := newScheduler(t, synth, 2)

	for i := 0; i < 4; i++ {
		s.Prefetch(context.Background(), fmt.Sprintf("prefetched %d", i))
	}
	report := s.Warm(context.Background(), []string{"one", "two", "three", "four", "five"})
	if report.Failed != 0 {
		t.Fatalf("unexpected warm-up failures %+v", report)
	}

	deadline := time.Now().Add(2 * time.Second)
	for synth.calls.Load() < 9 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if synth.calls.Load() != 9 {
		t.Fatalf("expected 9 backend calls, got %d", synth.calls.Load())
	}
	if peak := synth.peak.Load(); peak > 2 {
		t.Fatalf("peak backend calls %d exceeded concurrency 2", peak)
	}
}

func TestConcurrencyIsClamped(t *testing.T) {
	s, _ := newScheduler(t, &countingSynth{}, 9)
	if s.concurrency != 3 {
		t.Fatalf("expected concurrency clamped to 3, got %d", s.concurrency)
	}
	s, _ = newScheduler(t, &countingSynth{}, 0)
	if s.concurrency != 1 {
		t.Fatalf("expected concurrency raised to 1, got %d", s.concurrency)
	}
}

func TestEncodeWAVRejectsOddPayload(t *testing.T) {
	if _, err := EncodeWAV([]byte{0x01}, 8000, 1); err == nil {
		t.Fatalf("expected alignment error")
	}
	data, err := EncodeWAV([]byte{0x01, 0x00, 0x02, 0x00}, 8000, 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(string(data), "RIFF") {
		t.Fatalf("expected RIFF header")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := config.Default().Synthesis
	if _, err := New(cfg); err != nil {
		t.Fatalf("mock backend: %v", err)
	}
	cfg.Mode = "websocket"
	cfg.Endpoint = ""
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected websocket without endpoint to fail")
	}
	cfg.Mode = "carrier-pigeon"
	if _, err := New(cfg); err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}
