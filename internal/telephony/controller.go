package telephony

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/prompt"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/loqalabs/voiceline/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	pathIncoming = "/voice/incoming"
	pathMenu     = "/voice/menu"
	pathAnswer   = "/voice/answer"
	pathContinue = "/voice/continue"
	pathNoInput  = "/voice/no-input"
	pathStatus   = "/voice/status"
)

// Orchestrator picks questions and scores answers.
type Orchestrator interface {
	Next(ctx context.Context, s *session.Session) (session.Question, bool)
	Fallback(ctx context.Context, s *session.Session) session.Question
	Score(ctx context.Context, s *session.Session, idx int) (session.Score, error)
}

// Speaker renders one line of speech as a markup verb.
type Speaker interface {
	Speak(ctx context.Context, text string, mode prompt.Mode) prompt.Verb
}

// Prefetcher asks for text to be synthesized into the audio cache ahead of
// the turn that speaks it.
type Prefetcher interface {
	Prefetch(ctx context.Context, callID, text string)
}

// Transcriber produces a transcript from a recording URL when the transport
// did not post one.
type Transcriber interface {
	Transcribe(ctx context.Context, recordingURL string) (string, error)
}

// Config is the per-turn timing contract and the fixed prompts.
type Config struct {
	InterviewCap     int
	CoachingCap      int
	RaceTimeout      time.Duration
	HandlerBudget    time.Duration
	RecordMaxSeconds int
	RecordSilence    int
	FinishOnKey      string
	GatherTimeout    int
	MaxMenuAttempts  int
	TaskRetention    time.Duration
	Greeting         string
	Hold             string
	Reassurance      string
	NoInput          string
	Goodbye          string
	InvalidMenu      string
}

func ConfigFrom(c config.CallConfig) Config {
	return Config{
		InterviewCap:     c.InterviewCap,
		CoachingCap:      c.CoachingCap,
		RaceTimeout:      config.Millis(c.RaceTimeoutMS),
		HandlerBudget:    config.Millis(c.HandlerBudgetMS),
		RecordMaxSeconds: c.RecordMaxSeconds,
		RecordSilence:    c.RecordSilenceSecs,
		FinishOnKey:      c.FinishOnKey,
		GatherTimeout:    c.GatherTimeoutSecs,
		MaxMenuAttempts:  c.MaxMenuAttempts,
		TaskRetention:    time.Duration(c.TaskRetentionMins) * time.Minute,
		Greeting:         c.GreetingPrompt,
		Hold:             c.HoldPrompt,
		Reassurance:      c.ReassurancePrompt,
		NoInput:          c.NoInputPrompt,
		Goodbye:          c.GoodbyePrompt,
		InvalidMenu:      c.InvalidMenuPrompt,
	}
}

// Deps are the collaborators the controller is built from. Everything after
// Speaker may be nil. Timeline is left nil when events reach the store
// through the bus instead.
type Deps struct {
	Sessions     session.Store
	Orchestrator Orchestrator
	Speaker      Speaker
	Prefetcher   Prefetcher
	Transcriber  Transcriber
	Timeline     Timeline
	Ledger       Ledger
	Publisher    Publisher
}

// Controller serves the telephony webhooks. Every handler answers within the
// handler budget; slow work runs in detached tasks whose results are picked
// up by the continuation endpoint.
type Controller struct {
	cfg          Config
	deps         Deps
	tasks        *taskTable
	events       *emitter
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	logger       *slog.Logger
	tracer       trace.Tracer
	raceTimeouts metric.Int64Counter
	now          func() time.Time
}

func NewController(parent context.Context, cfg Config, deps Deps, logger *slog.Logger) *Controller {
	if cfg.RaceTimeout <= 0 {
		cfg.RaceTimeout = 8 * time.Second
	}
	if cfg.HandlerBudget <= 0 {
		cfg.HandlerBudget = 9 * time.Second
	}
	if cfg.MaxMenuAttempts < 1 {
		cfg.MaxMenuAttempts = 3
	}
	if cfg.TaskRetention <= 0 {
		cfg.TaskRetention = 30 * time.Minute
	}
	ctx, cancel := context.WithCancel(parent)
	logger = logger.With(slog.String("component", "telephony"))
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		tasks:  newTaskTable(),
		events: &emitter{publisher: deps.Publisher, timeline: deps.Timeline, logger: logger},
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		tracer: otel.Tracer("github.com/loqalabs/voiceline/internal/telephony"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	c.initMetrics()
	return c
}

func (c *Controller) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/voiceline")
	counter, err := meter.Int64Counter("voiceline.continuation.race_timeouts",
		metric.WithDescription("Continuations that spoke a fallback question because generation was too slow"))
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
		return
	}
	c.raceTimeouts = counter

	active, err := meter.Int64ObservableGauge("voiceline.sessions.active",
		metric.WithDescription("Call sessions that have not reached a terminal state"))
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
		return
	}
	inflight, err := meter.Int64ObservableGauge("voiceline.tasks.inflight",
		metric.WithDescription("Detached answer-phase tasks still running"))
	if err != nil {
		c.logger.Warn("failed to initialize metrics", slogError(err))
		return
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(inflight, c.tasks.inFlight())
		if n, err := c.deps.Sessions.Active(ctx); err == nil {
			o.ObserveInt64(active, int64(n))
		}
		return nil
	}, active, inflight)
	if err != nil {
		c.logger.Warn("failed to register metric callback", slogError(err))
	}
}

// Register mounts the webhook routes on mux.
func (c *Controller) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+pathIncoming, c.handle("incoming", c.incoming))
	mux.HandleFunc("POST "+pathMenu, c.handle("menu", c.menu))
	mux.HandleFunc("POST "+pathAnswer, c.handle("answer", c.answer))
	mux.HandleFunc("POST "+pathContinue, c.handle("continue", c.continueCall))
	mux.HandleFunc("POST "+pathNoInput, c.handle("no_input", c.noInput))
	mux.HandleFunc("POST "+pathStatus, c.handle("status", c.status))
}

// Close cancels running tasks and waits for them to return.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// Sweep forgets tasks that finished longer ago than the retention window.
func (c *Controller) Sweep() int {
	removed := c.tasks.prune(c.now().Add(-c.cfg.TaskRetention))
	if removed > 0 {
		c.logger.Debug("pruned answer tasks", slog.Int("removed", removed))
	}
	return removed
}

type handlerFunc func(ctx context.Context, r *http.Request) *prompt.Response

func (c *Controller) handle(name string, fn handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), c.cfg.HandlerBudget)
		defer cancel()
		ctx, span := c.tracer.Start(ctx, "telephony."+name)
		defer span.End()

		if err := r.ParseForm(); err != nil {
			c.logger.Warn("malformed webhook form", slog.String("handler", name), slogError(err))
		}
		span.SetAttributes(attribute.String("call_id", r.FormValue("CallSid")))

		resp := fn(ctx, r)
		if resp == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		resp.Write(w)
	}
}

// spawn starts the detached work for key unless it is already running. The
// task outlives the request; it is bound to the controller's lifetime only.
func (c *Controller) spawn(ctx context.Context, key taskKey) *task {
	tk, created := c.tasks.start(key, c.now())
	if !created {
		return tk
	}
	link := trace.LinkFromContext(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.tasks.done()
		tctx, span := c.tracer.Start(c.ctx, "telephony.task", trace.WithLinks(link),
			trace.WithAttributes(
				attribute.String("call_id", key.callID),
				attribute.Int("answer", key.answer),
				attribute.String("task_id", tk.id)))
		defer span.End()
		c.run(tctx, tk)
	}()
	return tk
}

func (c *Controller) run(ctx context.Context, tk *task) {
	logger := c.logger.With(
		slog.String("call_id", tk.key.callID),
		slog.String("task_id", tk.id),
		slog.Int("answer", tk.key.answer))
	start := time.Now()

	if tk.key.answer < 0 {
		c.generate(ctx, tk, logger)
		logger.Debug("opening question ready", slog.Duration("elapsed", time.Since(start)))
		return
	}

	c.transcribe(ctx, tk, logger)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.score(ctx, tk, logger)
	}()
	go func() {
		defer wg.Done()
		c.generate(ctx, tk, logger)
	}()
	wg.Wait()
	logger.Debug("answer phase finished", slog.Duration("elapsed", time.Since(start)))
}

func (c *Controller) transcribe(ctx context.Context, tk *task, logger *slog.Logger) {
	if c.deps.Transcriber == nil {
		return
	}
	sess, err := c.deps.Sessions.Get(ctx, tk.key.callID)
	if err != nil || tk.key.answer >= len(sess.Answers) {
		return
	}
	a := sess.Answers[tk.key.answer]
	if strings.TrimSpace(a.Transcript) != "" || a.RecordingURL == "" {
		return
	}
	text, err := c.deps.Transcriber.Transcribe(ctx, a.RecordingURL)
	if err != nil {
		logger.Warn("transcription failed, scoring without transcript", slogError(err))
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if _, err := c.deps.Sessions.Update(ctx, tk.key.callID, func(s *session.Session) error {
		return s.SetTranscript(tk.key.answer, text, c.now())
	}); err != nil {
		logger.Warn("failed to store transcript", slogError(err))
	}
}

func (c *Controller) score(ctx context.Context, tk *task, logger *slog.Logger) {
	defer close(tk.scored)
	idx := tk.key.answer
	sess, err := c.deps.Sessions.Get(ctx, tk.key.callID)
	if err != nil {
		logger.Warn("session unavailable for scoring", slogError(err))
		return
	}
	if idx >= len(sess.Answers) || sess.Answers[idx].State != session.AnswerPending {
		return
	}

	score, scoreErr := c.deps.Orchestrator.Score(ctx, sess, idx)
	if scoreErr != nil {
		logger.Warn("scoring failed, using heuristic score", slogError(scoreErr))
	}
	var late bool
	updated, err := c.deps.Sessions.Update(ctx, tk.key.callID, func(s *session.Session) error {
		if idx >= len(s.Answers) || s.Answers[idx].State != session.AnswerPending {
			late = true
			return nil
		}
		if scoreErr != nil {
			return s.RecordFailure(idx, scoreErr.Error(), &score, c.now())
		}
		return s.RecordScore(idx, score, c.now())
	})
	if err != nil {
		logger.Warn("failed to record score", slogError(err))
		return
	}
	if late {
		logger.Info("score arrived after the call summary, discarding", slog.Float64("overall", score.Overall))
		return
	}
	c.events.emit(ctx, updated, protocol.EventAnswerScored, idx,
		fmt.Sprintf("%s %.1f", updated.Answers[idx].State, score.Overall))
}

// generate decides the question that follows tk's answer and starts
// synthesizing it.
func (c *Controller) generate(ctx context.Context, tk *task, logger *slog.Logger) {
	defer close(tk.question)
	sess, err := c.deps.Sessions.Get(ctx, tk.key.callID)
	if err != nil {
		logger.Warn("session unavailable for question generation", slogError(err))
		return
	}
	q, ok := c.deps.Orchestrator.Next(ctx, sess)
	if !ok {
		return
	}
	tk.next, tk.hasNext = q, true
	if tk.raced.Load() {
		logger.Info("generated question arrived after fallback was spoken",
			slog.String("question_id", q.ID))
		return
	}
	if c.deps.Prefetcher != nil {
		c.deps.Prefetcher.Prefetch(ctx, tk.key.callID, q.Text)
	}
}
