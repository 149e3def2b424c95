package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/voiceline/internal/interview"
	"github.com/loqalabs/voiceline/internal/prompt"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/loqalabs/voiceline/internal/reasoning"
	"github.com/loqalabs/voiceline/internal/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const methodPost = "POST"

func (c *Controller) incoming(ctx context.Context, r *http.Request) *prompt.Response {
	c.logger.Info("incoming call",
		slog.String("call_id", r.FormValue("CallSid")),
		slog.String("caller", r.FormValue("From")))
	return c.menuPrompt(ctx, 1, "")
}

func (c *Controller) menu(ctx context.Context, r *http.Request) *prompt.Response {
	callID := r.FormValue("CallSid")
	attempt, _ := strconv.Atoi(r.URL.Query().Get("attempt"))
	if attempt < 1 {
		attempt = 1
	}

	var kind session.Kind
	var answerCap int
	switch strings.TrimSpace(r.FormValue("Digits")) {
	case "1":
		kind, answerCap = session.KindInterview, c.cfg.InterviewCap
	case "2":
		kind, answerCap = session.KindCoaching, c.cfg.CoachingCap
	default:
		if attempt >= c.cfg.MaxMenuAttempts {
			c.logger.Info("no valid menu choice, ending call",
				slog.String("call_id", callID),
				slog.Int("attempts", attempt))
			return c.goodbye(ctx)
		}
		return c.menuPrompt(ctx, attempt+1, c.cfg.InvalidMenu)
	}

	sess := session.New(callID, r.FormValue("From"), kind, answerCap, c.now())
	switch err := c.deps.Sessions.Create(ctx, sess); {
	case errors.Is(err, session.ErrExists):
		c.logger.Debug("menu choice repeated for existing session", slog.String("call_id", callID))
	case err != nil:
		c.logger.Warn("failed to create session", slog.String("call_id", callID), slogError(err))
		return c.goodbye(ctx)
	default:
		c.logger.Info("session started",
			slog.String("call_id", callID),
			slog.String("kind", string(kind)),
			slog.Int("cap", sess.Cap))
		c.events.emit(ctx, sess, protocol.EventCreated, 0, string(kind))
	}

	c.spawn(ctx, taskKey{callID: callID, answer: -1})
	return c.hold(ctx)
}

func (c *Controller) answer(ctx context.Context, r *http.Request) *prompt.Response {
	transcript := strings.TrimSpace(r.FormValue("TranscriptionText"))
	if transcript == "" {
		transcript = strings.TrimSpace(r.FormValue("SpeechResult"))
	}
	duration, _ := strconv.ParseFloat(r.FormValue("RecordingDuration"), 64)
	return c.accept(ctx, r.FormValue("CallSid"), session.Answer{
		Transcript:   transcript,
		RecordingSID: r.FormValue("RecordingSid"),
		RecordingURL: r.FormValue("RecordingUrl"),
		Metrics:      session.ComputeMetrics(transcript, duration),
	})
}

// accept binds a to the current question, detaches scoring and next-question
// generation, and acknowledges with the hold prompt. Duplicate and stray
// answers are acknowledged the same way and dropped.
func (c *Controller) accept(ctx context.Context, callID string, a session.Answer) *prompt.Response {
	var idx int
	sess, err := c.deps.Sessions.Update(ctx, callID, func(s *session.Session) error {
		var err error
		idx, err = s.AcceptAnswer(a, c.now())
		return err
	})
	switch {
	case errors.Is(err, session.ErrDuplicateAnswer),
		errors.Is(err, session.ErrNoPendingQuestion),
		errors.Is(err, session.ErrTerminal):
		c.logger.Info("discarding answer event",
			slog.String("call_id", callID),
			slog.String("recording_sid", a.RecordingSID),
			slogError(err))
		return c.hold(ctx)
	case err != nil:
		c.logger.Warn("failed to accept answer", slog.String("call_id", callID), slogError(err))
		return c.hold(ctx)
	}

	c.logger.Info("answer accepted",
		slog.String("call_id", callID),
		slog.Int("answer", idx),
		slog.Int("words", a.Metrics.WordCount))
	c.events.emit(ctx, sess, protocol.EventAnswerAccepted, idx, "")
	if sess.Status == session.StatusCompleted {
		c.events.emit(ctx, sess, protocol.EventCompleted, idx, "")
	}
	c.spawn(ctx, taskKey{callID: callID, answer: idx})
	return c.hold(ctx)
}

func (c *Controller) continueCall(ctx context.Context, r *http.Request) *prompt.Response {
	callID := r.FormValue("CallSid")
	sess, err := c.deps.Sessions.Get(ctx, callID)
	if err != nil {
		return c.restart(ctx, callID, r.FormValue("From"), err)
	}
	return c.resume(ctx, sess)
}

// resume renders whatever the session needs next: the summary of a completed
// call, the current unanswered question, or a newly decided one.
func (c *Controller) resume(ctx context.Context, sess *session.Session) *prompt.Response {
	switch sess.Status {
	case session.StatusCompleted:
		return c.finish(ctx, sess)
	case session.StatusAbandoned, session.StatusFailed:
		return c.goodbye(ctx)
	}
	if q, ok := sess.Current(); ok {
		return c.ask(ctx, q)
	}

	q := c.race(ctx, sess)
	updated, err := c.deps.Sessions.Update(ctx, sess.CallID, func(s *session.Session) error {
		return s.AddQuestion(q, c.now())
	})
	switch {
	case errors.Is(err, session.ErrQuestionPending):
		// A concurrent continuation got there first; repeat its question.
		if updated != nil {
			if cur, ok := updated.Current(); ok {
				q = cur
			}
		}
	case err != nil:
		c.logger.Warn("failed to record question", slog.String("call_id", sess.CallID), slogError(err))
		return c.reassure(ctx)
	default:
		c.events.emit(ctx, updated, protocol.EventQuestionAsked, len(updated.Answers), q.ID)
	}
	return c.ask(ctx, q)
}

// race waits for the detached task to produce the next question, bounded by
// the race timeout. When time runs out a static fallback is spoken instead and
// the generated question is left to finish in the background.
func (c *Controller) race(ctx context.Context, sess *session.Session) session.Question {
	tk := c.spawn(ctx, taskKey{callID: sess.CallID, answer: len(sess.Answers) - 1})

	timer := time.NewTimer(c.cfg.RaceTimeout)
	defer timer.Stop()
	select {
	case <-tk.question:
		if tk.hasNext {
			return tk.next
		}
		return c.fallback(ctx, sess, "generation_failed")
	case <-timer.C:
	case <-ctx.Done():
	}
	tk.raced.Store(true)
	if c.raceTimeouts != nil {
		c.raceTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(sess.Kind))))
	}
	c.logger.Warn("next question not ready, using fallback",
		slog.String("call_id", sess.CallID),
		slog.String("task_id", tk.id),
		slog.Duration("waited", c.cfg.RaceTimeout))
	return c.fallback(ctx, sess, "race_timeout")
}

func (c *Controller) fallback(ctx context.Context, sess *session.Session, reason string) session.Question {
	q := c.deps.Orchestrator.Fallback(ctx, sess)
	c.events.emit(ctx, sess, protocol.EventFallbackUsed, len(sess.Answers), reason)
	return q
}

// finish settles outstanding scores, records the caller's result once, and
// speaks the summary before hanging up.
func (c *Controller) finish(ctx context.Context, sess *session.Session) *prompt.Response {
	sess = c.settle(ctx, sess)
	if c.tasks.markFinished(sess.CallID, c.now()) {
		c.logger.Info("call completed",
			slog.String("call_id", sess.CallID),
			slog.Float64("aggregate", sess.Aggregate),
			slog.Int("answers", len(sess.Answers)))
		if c.deps.Ledger != nil && sess.Caller != "" {
			if err := c.deps.Ledger.RecordResult(context.WithoutCancel(ctx), sess.Caller, sess.Aggregate); err != nil {
				c.logger.Warn("failed to record caller result", slog.String("call_id", sess.CallID), slogError(err))
			}
		}
	}
	return prompt.Respond(
		c.deps.Speaker.Speak(ctx, interview.Summary(sess), prompt.SynthOnMiss),
		prompt.Hangup{},
	)
}

// settle waits, within the race timeout, for pending scores and marks any that
// are still outstanding as failed with a heuristic score.
func (c *Controller) settle(ctx context.Context, sess *session.Session) *session.Session {
	pending := sess.Pending()
	if len(pending) == 0 {
		return sess
	}
	timer := time.NewTimer(c.cfg.RaceTimeout)
	defer timer.Stop()
wait:
	for _, idx := range pending {
		tk, ok := c.tasks.get(taskKey{callID: sess.CallID, answer: idx})
		if !ok {
			continue
		}
		select {
		case <-tk.scored:
		case <-timer.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}

	updated, err := c.deps.Sessions.Update(ctx, sess.CallID, func(s *session.Session) error {
		for _, idx := range s.Pending() {
			h := reasoning.HeuristicScore(s.Answers[idx].Metrics)
			if err := s.RecordFailure(idx, "scoring unfinished at summary", &h, c.now()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("failed to settle pending scores", slog.String("call_id", sess.CallID), slogError(err))
		return sess
	}
	return updated
}

func (c *Controller) noInput(ctx context.Context, r *http.Request) *prompt.Response {
	callID := r.FormValue("CallSid")
	sess, err := c.deps.Sessions.Get(ctx, callID)
	if err != nil {
		return c.restart(ctx, callID, r.FormValue("From"), err)
	}
	q, ok := sess.Current()
	if sess.Terminal() || !ok {
		return c.resume(ctx, sess)
	}

	var count int
	if _, err := c.deps.Sessions.Update(ctx, callID, func(s *session.Session) error {
		var err error
		count, err = s.RecordNoInput(c.now())
		return err
	}); err != nil {
		c.logger.Warn("failed to record missing answer", slog.String("call_id", callID), slogError(err))
		return c.reassure(ctx)
	}
	if count >= 2 {
		c.logger.Info("no answer after re-ask, moving on", slog.String("call_id", callID))
		return c.accept(ctx, callID, session.Answer{})
	}
	return prompt.Respond(
		c.deps.Speaker.Speak(ctx, c.cfg.NoInput, prompt.CachedOnly),
		c.deps.Speaker.Speak(ctx, q.Text, prompt.SynthOnMiss),
		c.record(),
		prompt.Redirect{Method: methodPost, URL: pathNoInput},
	)
}

// status records terminal call states reported by the transport. It always
// answers with an empty 200.
func (c *Controller) status(ctx context.Context, r *http.Request) *prompt.Response {
	callID := r.FormValue("CallSid")
	callStatus := r.FormValue("CallStatus")
	var target session.Status
	var eventType string
	switch callStatus {
	case "completed":
		target, eventType = session.StatusAbandoned, protocol.EventAbandoned
	case "failed", "busy", "no-answer", "canceled":
		target, eventType = session.StatusFailed, protocol.EventFailed
	default:
		return nil
	}

	var changed bool
	sess, err := c.deps.Sessions.Update(ctx, callID, func(s *session.Session) error {
		changed = s.MarkTerminal(target, c.now())
		return nil
	})
	switch {
	case errors.Is(err, session.ErrNotFound):
		c.logger.Debug("status for call without session",
			slog.String("call_id", callID),
			slog.String("status", callStatus))
		return nil
	case err != nil:
		c.logger.Warn("failed to record call status", slog.String("call_id", callID), slogError(err))
		return nil
	}
	if changed {
		c.logger.Info("call ended before completion",
			slog.String("call_id", callID),
			slog.String("status", string(target)),
			slog.Int("answers", len(sess.Answers)))
		c.events.emit(ctx, sess, eventType, len(sess.Answers), callStatus)
	}
	return nil
}

// restart handles a continuation that finds no usable session. A missing
// session is restarted as an interview with a static first question; a store
// failure gets the reassurance prompt and a fresh recording attempt.
func (c *Controller) restart(ctx context.Context, callID, caller string, cause error) *prompt.Response {
	if !errors.Is(cause, session.ErrNotFound) {
		c.logger.Warn("session lookup failed", slog.String("call_id", callID), slogError(cause))
		return c.reassure(ctx)
	}
	c.logger.Warn("no session for call, restarting interview", slog.String("call_id", callID))
	sess := session.New(callID, caller, session.KindInterview, c.cfg.InterviewCap, c.now())
	if err := c.deps.Sessions.Create(ctx, sess); err != nil && !errors.Is(err, session.ErrExists) {
		c.logger.Warn("failed to recreate session", slog.String("call_id", callID), slogError(err))
		return c.reassure(ctx)
	}
	q := c.deps.Orchestrator.Fallback(ctx, sess)
	updated, err := c.deps.Sessions.Update(ctx, callID, func(s *session.Session) error {
		return s.AddQuestion(q, c.now())
	})
	if err != nil {
		return c.reassure(ctx)
	}
	c.events.emit(ctx, updated, protocol.EventCreated, 0, "recovered")
	c.events.emit(ctx, updated, protocol.EventQuestionAsked, 0, q.ID)
	return prompt.Respond(
		c.deps.Speaker.Speak(ctx, c.cfg.Reassurance, prompt.CachedOnly),
		c.deps.Speaker.Speak(ctx, q.Text, prompt.SynthOnMiss),
		c.record(),
		prompt.Redirect{Method: methodPost, URL: pathNoInput},
	)
}

func (c *Controller) menuPrompt(ctx context.Context, attempt int, lead string) *prompt.Response {
	action := fmt.Sprintf("%s?attempt=%d", pathMenu, attempt)
	gather := prompt.Gather{
		Input:     "dtmf",
		NumDigits: 1,
		Timeout:   c.cfg.GatherTimeout,
		Action:    action,
		Method:    methodPost,
	}
	if lead != "" {
		gather.Verbs = append(gather.Verbs, c.deps.Speaker.Speak(ctx, lead, prompt.CachedOnly))
	}
	gather.Verbs = append(gather.Verbs, c.deps.Speaker.Speak(ctx, c.cfg.Greeting, prompt.CachedOnly))
	return prompt.Respond(gather, prompt.Redirect{Method: methodPost, URL: action})
}

func (c *Controller) hold(ctx context.Context) *prompt.Response {
	return prompt.Respond(
		c.deps.Speaker.Speak(ctx, c.cfg.Hold, prompt.CachedOnly),
		prompt.Redirect{Method: methodPost, URL: pathContinue},
	)
}

func (c *Controller) ask(ctx context.Context, q session.Question) *prompt.Response {
	return prompt.Respond(
		c.deps.Speaker.Speak(ctx, q.Text, prompt.SynthOnMiss),
		c.record(),
		prompt.Redirect{Method: methodPost, URL: pathNoInput},
	)
}

func (c *Controller) reassure(ctx context.Context) *prompt.Response {
	return prompt.Respond(
		c.deps.Speaker.Speak(ctx, c.cfg.Reassurance, prompt.CachedOnly),
		c.record(),
		prompt.Redirect{Method: methodPost, URL: pathNoInput},
	)
}

func (c *Controller) goodbye(ctx context.Context) *prompt.Response {
	return prompt.Respond(
		c.deps.Speaker.Speak(ctx, c.cfg.Goodbye, prompt.CachedOnly),
		prompt.Hangup{},
	)
}

func (c *Controller) record() prompt.Record {
	return prompt.Record{
		Action:      pathAnswer,
		Method:      methodPost,
		MaxLength:   c.cfg.RecordMaxSeconds,
		Timeout:     c.cfg.RecordSilence,
		FinishOnKey: c.cfg.FinishOnKey,
		PlayBeep:    true,
		Transcribe:  c.deps.Transcriber == nil,
	}
}
