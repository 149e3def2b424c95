package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func checkInvariant(t *testing.T, s *Session) {
	t.Helper()
	if len(s.Answers) > len(s.Questions) {
		t.Fatalf("invariant broken: %d answers for %d questions", len(s.Answers), len(s.Questions))
	}
}

func TestInterviewCompletesExactlyAtFiveAnswers(t *testing.T) {
	s := New("CA1", "+15550001", KindInterview, 5, t0)
	for i := 0; i < 5; i++ {
		if s.Terminal() {
			t.Fatalf("session terminal after %d answers", i)
		}
		q := Question{ID: fmt.Sprintf("q%d", i), Text: "question"}
		if err := s.AddQuestion(q, t0); err != nil {
			t.Fatalf("add question %d: %v", i, err)
		}
		checkInvariant(t, s)
		idx, err := s.AcceptAnswer(Answer{Transcript: "answer", RecordingSID: fmt.Sprintf("RE%d", i)}, t0)
		if err != nil {
			t.Fatalf("accept answer %d: %v", i, err)
		}
		if idx != i || s.Answers[idx].QuestionID != q.ID {
			t.Fatalf("answer %d bound to wrong slot", i)
		}
		checkInvariant(t, s)
	}
	if s.Status != StatusCompleted || s.Step != StepCompleted {
		t.Fatalf("expected completed after 5 answers, got %s/%s", s.Status, s.Step)
	}
	if err := s.AddQuestion(Question{ID: "q6"}, t0); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal after completion, got %v", err)
	}
}

func TestQuestionCountDoesNotTerminate(t *testing.T) {
	s := New("CA2", "", KindCoaching, 3, t0)
	for i := 0; i < 2; i++ {
		_ = s.AddQuestion(Question{ID: fmt.Sprintf("q%d", i)}, t0)
		_, _ = s.AcceptAnswer(Answer{Transcript: "x"}, t0)
	}
	if err := s.AddQuestion(Question{ID: "q2"}, t0); err != nil {
		t.Fatalf("add third question: %v", err)
	}
	if s.Terminal() {
		t.Fatalf("asking the cap-th question must not complete the session")
	}
	if _, err := s.AcceptAnswer(Answer{Transcript: "x"}, t0); err != nil {
		t.Fatalf("accept third: %v", err)
	}
	if s.Status != StatusCompleted {
		t.Fatalf("expected completion on third answer")
	}
}

func TestAcceptAnswerRejectsWithoutQuestion(t *testing.T) {
	s := New("CA3", "", KindInterview, 5, t0)
	if _, err := s.AcceptAnswer(Answer{Transcript: "early"}, t0); !errors.Is(err, ErrNoPendingQuestion) {
		t.Fatalf("expected ErrNoPendingQuestion, got %v", err)
	}
	checkInvariant(t, s)
}

func TestAddQuestionRequiresAnsweredCurrent(t *testing.T) {
	s := New("CA4", "", KindInterview, 5, t0)
	_ = s.AddQuestion(Question{ID: "q0"}, t0)
	if err := s.AddQuestion(Question{ID: "q1"}, t0); !errors.Is(err, ErrQuestionPending) {
		t.Fatalf("expected ErrQuestionPending, got %v", err)
	}
}

func TestDuplicateRecordingIsRejected(t *testing.T) {
	s := New("CA5", "", KindInterview, 5, t0)
	_ = s.AddQuestion(Question{ID: "q0"}, t0)
	if _, err := s.AcceptAnswer(Answer{RecordingSID: "RE1"}, t0); err != nil {
		t.Fatalf("accept: %v", err)
	}
	_ = s.AddQuestion(Question{ID: "q1"}, t0)
	if _, err := s.AcceptAnswer(Answer{RecordingSID: "RE1"}, t0); !errors.Is(err, ErrDuplicateAnswer) {
		t.Fatalf("expected ErrDuplicateAnswer, got %v", err)
	}
	if len(s.Answers) != 1 {
		t.Fatalf("duplicate must not append")
	}
}

func TestScoresAggregateAsMean(t *testing.T) {
	s := New("CA6", "", KindCoaching, 3, t0)
	overall := []float64{6, 8, 10}
	for i := range overall {
		_ = s.AddQuestion(Question{ID: fmt.Sprintf("q%d", i)}, t0)
		_, _ = s.AcceptAnswer(Answer{}, t0)
	}
	if len(s.Pending()) != 3 {
		t.Fatalf("expected three pending slots")
	}
	for i, o := range overall {
		if err := s.RecordScore(i, Score{Overall: o}, t0); err != nil {
			t.Fatalf("record score: %v", err)
		}
	}
	if math.Abs(s.Aggregate-8) > 1e-9 {
		t.Fatalf("expected mean 8, got %v", s.Aggregate)
	}
	if err := s.RecordFailure(0, "late failure", nil, t0); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if s.Answers[0].State != AnswerScored {
		t.Fatalf("a scored slot must not regress to failed")
	}
}

func TestFailedSlotCountsFallbackScore(t *testing.T) {
	s := New("CA9", "", KindCoaching, 3, t0)
	for i := 0; i < 2; i++ {
		_ = s.AddQuestion(Question{ID: fmt.Sprintf("q%d", i)}, t0)
		_, _ = s.AcceptAnswer(Answer{}, t0)
	}
	_ = s.RecordScore(0, Score{Overall: 9}, t0)
	_ = s.RecordFailure(1, "reasoning timeout", &Score{Overall: 5, Heuristic: true}, t0)
	if s.Answers[1].State != AnswerFailed || s.Answers[1].Reason != "reasoning timeout" {
		t.Fatalf("unexpected slot %+v", s.Answers[1])
	}
	if math.Abs(s.Aggregate-7) > 1e-9 {
		t.Fatalf("expected mean 7, got %v", s.Aggregate)
	}
	if len(s.Pending()) != 0 {
		t.Fatalf("expected no pending slots")
	}
}

func TestMarkTerminalOnlyOnce(t *testing.T) {
	s := New("CA7", "", KindInterview, 5, t0)
	if !s.MarkTerminal(StatusAbandoned, t0) {
		t.Fatalf("expected first transition")
	}
	if s.MarkTerminal(StatusFailed, t0) {
		t.Fatalf("terminal session must not transition again")
	}
	if s.Step != StepAbandoned {
		t.Fatalf("unexpected step %s", s.Step)
	}
}

func TestNoInputCountResetsOnAnswer(t *testing.T) {
	s := New("CA10", "", KindInterview, 5, t0)
	if _, err := s.RecordNoInput(t0); !errors.Is(err, ErrNoPendingQuestion) {
		t.Fatalf("expected ErrNoPendingQuestion before a question, got %v", err)
	}
	_ = s.AddQuestion(Question{ID: "q0"}, t0)
	for want := 1; want <= 2; want++ {
		n, err := s.RecordNoInput(t0)
		if err != nil || n != want {
			t.Fatalf("expected count %d, got %d (%v)", want, n, err)
		}
	}
	if _, err := s.AcceptAnswer(Answer{}, t0); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if s.NoInputCount != 0 {
		t.Fatalf("accepting an answer must reset the no-input count")
	}
}

func TestSetTranscriptKeepsExisting(t *testing.T) {
	s := New("CA11", "", KindInterview, 5, t0)
	_ = s.AddQuestion(Question{ID: "q0"}, t0)
	_, _ = s.AcceptAnswer(Answer{Metrics: Metrics{DurationSeconds: 30}}, t0)
	if err := s.SetTranscript(0, "one two three", t0); err != nil {
		t.Fatalf("set transcript: %v", err)
	}
	if s.Answers[0].Metrics.WordCount != 3 || math.Abs(s.Answers[0].Metrics.WordsPerMinute-6) > 1e-9 {
		t.Fatalf("metrics not recomputed: %+v", s.Answers[0].Metrics)
	}
	_ = s.SetTranscript(0, "replaced", t0)
	if s.Answers[0].Transcript != "one two three" {
		t.Fatalf("existing transcript overwritten")
	}
}

func TestComputeMetrics(t *testing.T) {
	m := ComputeMetrics("I led the migration to the new billing system", 10)
	if m.WordCount != 9 || math.Abs(m.WordsPerMinute-54) > 1e-9 {
		t.Fatalf("unexpected metrics %+v", m)
	}
	if ComputeMetrics("", 0).WordsPerMinute != 0 {
		t.Fatalf("expected zero rate without duration")
	}
}

func TestMemoryStoreUpdateIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, New("CA8", "", KindInterview, 5, t0)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, New("CA8", "", KindInterview, 5, t0)); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	_, err := store.Update(ctx, "CA8", func(s *Session) error {
		s.Questions = append(s.Questions, Question{ID: "q0"})
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected fn error")
	}
	got, _ := store.Get(ctx, "CA8")
	if len(got.Questions) != 0 {
		t.Fatalf("failed update must not persist")
	}

	got.Questions = append(got.Questions, Question{ID: "leak"})
	again, _ := store.Get(ctx, "CA8")
	if len(again.Questions) != 0 {
		t.Fatalf("mutating a returned clone must not affect the store")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if n, _ := store.Active(ctx); n != 1 {
		t.Fatalf("expected one active session, got %d", n)
	}
}

func TestMemoryStorePrune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	done := New("old", "", KindInterview, 5, t0)
	done.MarkTerminal(StatusFailed, t0)
	_ = store.Create(ctx, done)
	_ = store.Create(ctx, New("live", "", KindInterview, 5, t0))

	if removed := store.Prune(t0.Add(time.Minute)); removed != 1 {
		t.Fatalf("expected one pruned session, got %d", removed)
	}
	if _, err := store.Get(ctx, "live"); err != nil {
		t.Fatalf("active session must survive prune: %v", err)
	}
}
