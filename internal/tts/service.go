package tts

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voiceline/internal/bus"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service consumes prefetch requests from the bus and fills the audio cache
// through the scheduler.
type Service struct {
	bus       *bus.Client
	scheduler *Scheduler
	timeout   time.Duration
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, scheduler *Scheduler, timeout time.Duration, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		scheduler: scheduler,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthPrefetch, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

// Prefetch publishes a prefetch request for text.
func (s *Service) Prefetch(_ context.Context, callID, text string) {
	msg := protocol.SynthPrefetch{CallID: callID, Text: text, Timestamp: time.Now().UTC()}
	if err := s.bus.PublishJSON(protocol.SubjectSynthPrefetch, msg); err != nil {
		s.logger.Warn("failed to publish prefetch", slogError(err))
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthPrefetch
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode prefetch request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		res, err := s.scheduler.Ensure(ctx, req.Text)
		if err != nil {
			s.logger.Warn("prefetch synthesis failed", slog.String("call_id", req.CallID), slogError(err))
			return
		}
		s.logger.Debug("prefetch ready",
			slog.String("call_id", req.CallID),
			slog.String("fingerprint", res.Artifact.Fingerprint),
			slog.Bool("cached", res.Cached))
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
