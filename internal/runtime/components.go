package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/voiceline/internal/audiocache"
	"github.com/loqalabs/voiceline/internal/bus"
	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/interview"
	"github.com/loqalabs/voiceline/internal/llm"
	"github.com/loqalabs/voiceline/internal/natsserver"
	"github.com/loqalabs/voiceline/internal/prompt"
	"github.com/loqalabs/voiceline/internal/reasoning"
	"github.com/loqalabs/voiceline/internal/session"
	"github.com/loqalabs/voiceline/internal/store"
	"github.com/loqalabs/voiceline/internal/stt"
	"github.com/loqalabs/voiceline/internal/telephony"
	"github.com/loqalabs/voiceline/internal/timeline"
	"github.com/loqalabs/voiceline/internal/tts"
)

// components is everything the HTTP surface depends on, built once at start.
type components struct {
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	db         *store.Store
	memory     *session.MemoryStore
	cache      *audiocache.Store
	scheduler  *tts.Scheduler
	ttsService *tts.Service
	recorder   *timeline.Recorder
	controller *telephony.Controller
}

// schedulerPrefetch adapts the scheduler to the controller's prefetch hook
// when no bus is configured.
type schedulerPrefetch struct {
	scheduler *tts.Scheduler
}

func (p schedulerPrefetch) Prefetch(ctx context.Context, _ string, text string) {
	p.scheduler.Prefetch(ctx, text)
}

func buildComponents(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			c.close(logger)
		}
	}()

	if cfg.Bus.Enabled {
		c.nats, err = natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return nil, fmt.Errorf("start embedded bus: %w", err)
		}
		busCfg := cfg.Bus
		if url := c.nats.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		c.bus, err = bus.Connect(ctx, busCfg, logger)
		if err != nil {
			return nil, err
		}
	}

	var sessions session.Store
	var ledger telephony.Ledger
	var events telephony.Timeline
	switch strings.ToLower(cfg.Store.Mode) {
	case "memory":
		c.memory = session.NewMemoryStore()
		sessions = c.memory
	default:
		c.db, err = store.Open(ctx, cfg.Store, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		sessions, ledger, events = c.db, c.db, c.db
	}

	c.cache, err = audiocache.Open(cfg.Cache.Directory, strings.TrimRight(cfg.PublicBaseURL, "/")+"/audio",
		cfg.Cache.MemoryEntries, logger)
	if err != nil {
		return nil, err
	}
	synth, err := tts.New(cfg.Synthesis)
	if err != nil {
		return nil, err
	}
	overall := config.Millis(cfg.Synthesis.OverallTimeoutMS)
	c.scheduler = tts.NewScheduler(synth, c.cache, tts.ProfileFrom(cfg.Synthesis), cfg.Synthesis.Concurrency, overall, logger)

	var prefetcher telephony.Prefetcher = schedulerPrefetch{scheduler: c.scheduler}
	var publisher telephony.Publisher
	if c.bus != nil {
		c.ttsService = tts.NewService(ctx, c.bus, c.scheduler, overall, logger)
		if err = c.ttsService.Start(); err != nil {
			return nil, fmt.Errorf("start synthesis service: %w", err)
		}
		prefetcher, publisher = c.ttsService, c.bus
		if c.db != nil {
			c.recorder = timeline.NewRecorder(ctx, c.bus, c.db, logger)
			if err = c.recorder.Start(); err != nil {
				return nil, fmt.Errorf("start timeline recorder: %w", err)
			}
			events = nil
		}
	}

	renderer := prompt.NewRenderer(c.scheduler, c.cache, cfg.Call.FallbackVoice, config.Millis(cfg.Call.RenderTimeoutMS), logger)

	gen, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, err
	}
	reasoner := reasoning.NewClient(gen, cfg.LLM, config.Millis(cfg.Reasoning.TimeoutMS), logger)
	orchestrator := interview.New(reasoner, cfg.Call.Industry, cfg.Call.ExperienceLevel, logger)

	var transcriber telephony.Transcriber
	tr, err := stt.New(cfg.Transcription, cfg.Synthesis.SampleRate, logger)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		transcriber = tr
	}

	c.controller = telephony.NewController(ctx, telephony.ConfigFrom(cfg.Call), telephony.Deps{
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Speaker:      renderer,
		Prefetcher:   prefetcher,
		Transcriber:  transcriber,
		Timeline:     events,
		Ledger:       ledger,
		Publisher:    publisher,
	}, logger)

	logger.Info("components ready",
		slog.String("store", cfg.Store.Mode),
		slog.String("synthesis", cfg.Synthesis.Mode),
		slog.String("llm", cfg.LLM.Mode),
		slog.String("transcription", cfg.Transcription.Mode),
		slog.Bool("bus", c.bus != nil))
	return c, nil
}

// maintain runs the periodic cache sweep, task pruning and store retention.
func (c *components) maintain(ctx context.Context, cfg config.Config, logger *slog.Logger) {
	sweep := func() {
		if _, err := c.cache.Sweep(time.Duration(cfg.Cache.MaxAgeHours) * time.Hour); err != nil {
			logger.Warn("audio cache sweep failed", slogError(err))
		}
		c.controller.Sweep()
		if c.recorder != nil {
			c.recorder.Forget(time.Now().Add(-24 * time.Hour))
		}
		if c.db != nil {
			if err := c.db.Prune(ctx); err != nil {
				logger.Warn("store prune failed", slogError(err))
			}
		}
		if c.memory != nil && cfg.Store.RetentionDays > 0 {
			c.memory.Prune(time.Now().UTC().Add(-time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour))
		}
	}

	interval := time.Duration(cfg.Cache.SweepIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Hour
	}
	sweep()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}

func (c *components) close(logger *slog.Logger) {
	if c.controller != nil {
		c.controller.Close()
	}
	if c.ttsService != nil {
		c.ttsService.Close()
	}
	if c.recorder != nil {
		c.recorder.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	c.nats.Shutdown()
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			logger.Warn("store close failed", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
