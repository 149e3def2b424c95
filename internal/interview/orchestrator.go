package interview

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/voiceline/internal/reasoning"
	"github.com/loqalabs/voiceline/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reasoner is the external question generation and scoring collaborator.
type Reasoner interface {
	GenerateQuestions(ctx context.Context, req reasoning.QuestionRequest) ([]session.Question, error)
	ScoreAnswer(ctx context.Context, question, answer, category string) (session.Score, error)
}

var interviewFallbacks = []session.Question{
	{Text: "Tell me about yourself and what you are looking for in your next role.", Category: "experience"},
	{Text: "Describe a challenge you faced at work and how you handled it.", Category: "behavioral"},
	{Text: "What accomplishment are you most proud of, and why?", Category: "experience"},
	{Text: "Tell me about a time you had to learn something quickly.", Category: "behavioral"},
	{Text: "Where do you see yourself growing over the next few years?", Category: "motivation"},
}

var coachingFallbacks = []session.Question{
	{Text: "What is one goal you want to make progress on this month?", Category: "coaching"},
	{Text: "What has been getting in the way of that goal so far?", Category: "coaching"},
	{Text: "What is one small step you could take this week?", Category: "coaching"},
}

// Orchestrator decides the next question and when a call is done.
type Orchestrator struct {
	reasoner        Reasoner
	industry        string
	experienceLevel string
	logger          *slog.Logger
	fallbacks       metric.Int64Counter
}

func New(reasoner Reasoner, industry, experienceLevel string, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		reasoner:        reasoner,
		industry:        industry,
		experienceLevel: experienceLevel,
		logger:          logger.With(slog.String("component", "orchestrator")),
	}
	counter, err := otel.Meter("github.com/loqalabs/voiceline").Int64Counter("voiceline.interview.fallback_questions",
		metric.WithDescription("Static questions used instead of generated ones"))
	if err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		o.fallbacks = counter
	}
	return o
}

// Next returns the question to ask after the answers already in s, or false
// once the answer count has reached the cap. Generation failures degrade to
// a static question and are never returned to the caller.
func (o *Orchestrator) Next(ctx context.Context, s *session.Session) (session.Question, bool) {
	if len(s.Answers) >= s.Cap {
		return session.Question{}, false
	}
	req := reasoning.QuestionRequest{
		Kind:            s.Kind,
		Industry:        o.industry,
		ExperienceLevel: o.experienceLevel,
		Count:           1,
	}
	for i, q := range s.Questions {
		if i >= len(s.Answers) {
			break
		}
		req.PriorQuestions = append(req.PriorQuestions, q.Text)
		req.PriorAnswers = append(req.PriorAnswers, s.Answers[i].Transcript)
	}

	qs, err := o.reasoner.GenerateQuestions(ctx, req)
	if err != nil || len(qs) == 0 {
		if err != nil {
			o.logger.Warn("question generation failed, using fallback",
				slog.String("call_id", s.CallID), slogError(err))
		}
		return o.Fallback(ctx, s), true
	}
	return qs[0], true
}

// Fallback returns a static question keyed by the answer count so repeats are
// rare within one call.
func (o *Orchestrator) Fallback(ctx context.Context, s *session.Session) session.Question {
	list := interviewFallbacks
	if s.Kind == session.KindCoaching {
		list = coachingFallbacks
	}
	n := len(s.Answers)
	q := list[n%len(list)]
	q.ID = fmt.Sprintf("fallback-%d", n)
	q.Fallback = true
	if o.fallbacks != nil {
		o.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(s.Kind))))
	}
	return q
}

// Score grades answer idx of s. On reasoning failure the heuristic score is
// returned together with the error so the slot can be marked failed.
func (o *Orchestrator) Score(ctx context.Context, s *session.Session, idx int) (session.Score, error) {
	if idx < 0 || idx >= len(s.Answers) {
		return session.Score{}, session.ErrNoPendingQuestion
	}
	a := s.Answers[idx]
	q := s.Questions[idx]
	if strings.TrimSpace(a.Transcript) == "" {
		return reasoning.HeuristicScore(a.Metrics), nil
	}
	score, err := o.reasoner.ScoreAnswer(ctx, q.Text, a.Transcript, q.Category)
	if err != nil {
		return reasoning.HeuristicScore(a.Metrics), err
	}
	return score, nil
}

// Summary is the closing line spoken before hanging up.
func Summary(s *session.Session) string {
	var b strings.Builder
	if s.Kind == session.KindCoaching {
		b.WriteString("That wraps up today's coaching session. ")
	} else {
		b.WriteString("That completes your practice interview. ")
	}
	fmt.Fprintf(&b, "Your overall score is %.1f out of 10. ", s.Aggregate)
	if tip := bestFeedback(s); tip != "" {
		b.WriteString(tip)
		if !strings.HasSuffix(tip, ".") {
			b.WriteString(".")
		}
		b.WriteString(" ")
	}
	b.WriteString("Thank you for calling. Goodbye.")
	return b.String()
}

// bestFeedback picks the feedback attached to the lowest-scoring answer,
// which is the most useful thing to hear last.
func bestFeedback(s *session.Session) string {
	var tip string
	low := 11.0
	for _, a := range s.Answers {
		if a.Score == nil || a.Score.Feedback == "" {
			continue
		}
		if a.Score.Overall < low {
			low = a.Score.Overall
			tip = strings.TrimSpace(a.Score.Feedback)
		}
	}
	return tip
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
