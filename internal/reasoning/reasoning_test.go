package reasoning

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/llm"
	"github.com/loqalabs/voiceline/internal/session"
)

type stubGenerator struct {
	reply string
	err   error
	last  llm.Request
}

func (s *stubGenerator) Generate(ctx context.Context, req llm.Request, consumer func(llm.Chunk) error) error {
	s.last = req
	if s.err != nil {
		return s.err
	}
	return consumer(llm.Chunk{Content: s.reply})
}

func newClient(gen llm.Generator) *Client {
	log := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewClient(gen, config.Default().LLM, time.Second, log)
}

func TestGenerateQuestionsIncludesHistory(t *testing.T) {
	gen := &stubGenerator{reply: "Sure!\n```json\n{\"questions\":[{\"text\":\"How did the migration go?\",\"category\":\"experience\"},{\"text\":\"Second\"}]}\n```"}
	c := newClient(gen)

	qs, err := c.GenerateQuestions(context.Background(), QuestionRequest{
		Kind:           session.KindInterview,
		Industry:       "fintech",
		Count:          1,
		PriorQuestions: []string{"Tell me about a project."},
		PriorAnswers:   []string{"I migrated our billing system."},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(qs) != 1 || qs[0].Text != "How did the migration go?" || qs[0].ID == "" {
		t.Fatalf("unexpected questions %+v", qs)
	}
	if !strings.Contains(gen.last.Prompt, "I migrated our billing system.") {
		t.Fatalf("prompt must carry prior answers: %q", gen.last.Prompt)
	}
	if gen.last.Task != llm.TaskQuestions || !gen.last.JSON {
		t.Fatalf("unexpected request %+v", gen.last)
	}
}

func TestGenerateQuestionsRejectsGarbage(t *testing.T) {
	c := newClient(&stubGenerator{reply: "I cannot help with that."})
	if _, err := c.GenerateQuestions(context.Background(), QuestionRequest{Count: 1}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	c = newClient(&stubGenerator{reply: `{"questions":[]}`})
	if _, err := c.GenerateQuestions(context.Background(), QuestionRequest{Count: 1}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty list, got %v", err)
	}
}

func TestScoreAnswerClampsAndAverages(t *testing.T) {
	c := newClient(&stubGenerator{reply: `{"scores":{"clarity":12,"relevance":6},"feedback":" ok "}`})
	score, err := c.ScoreAnswer(context.Background(), "Q", "A", "behavioral")
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score.Dimensions["clarity"] != 10 || score.Overall != 8 || score.Feedback != "ok" {
		t.Fatalf("unexpected score %+v", score)
	}
}

func TestScoreAnswerPropagatesBackendError(t *testing.T) {
	boom := errors.New("backend down")
	c := newClient(&stubGenerator{err: boom})
	if _, err := c.ScoreAnswer(context.Background(), "Q", "A", "x"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped backend error, got %v", err)
	}
}

func TestMockBackendRoundTrip(t *testing.T) {
	c := newClient(llm.NewMockGenerator())
	qs, err := c.GenerateQuestions(context.Background(), QuestionRequest{Count: 2})
	if err != nil || len(qs) != 2 {
		t.Fatalf("expected two mock questions, got %d (%v)", len(qs), err)
	}
	score, err := c.ScoreAnswer(context.Background(), qs[0].Text, "answer", qs[0].Category)
	if err != nil || score.Overall != 7 {
		t.Fatalf("unexpected mock score %+v (%v)", score, err)
	}
}

func TestHeuristicScore(t *testing.T) {
	empty := HeuristicScore(session.Metrics{})
	if empty.Overall != 0 || !empty.Heuristic {
		t.Fatalf("unexpected empty score %+v", empty)
	}
	good := HeuristicScore(session.ComputeMetrics(strings.Repeat("word ", 60), 25))
	if good.Overall != 8 {
		t.Fatalf("expected 8 for a full answer at a natural pace, got %v", good.Overall)
	}
}
