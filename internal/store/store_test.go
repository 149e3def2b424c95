package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/loqalabs/voiceline/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.StoreConfig) *Store {
	t.Helper()
	cfg.Mode = "sqlite"
	cfg.Path = filepath.Join(t.TempDir(), "voiceline.db")
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if err := s.Create(ctx, session.New("CA1", "+15550001", session.KindInterview, 5, now)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, session.New("CA1", "+15550001", session.KindInterview, 5, now)); !errors.Is(err, session.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	updated, err := s.Update(ctx, "CA1", func(sess *session.Session) error {
		if err := sess.AddQuestion(session.Question{ID: "q0", Text: "Why this role?", Category: "motivation"}, now); err != nil {
			return err
		}
		idx, err := sess.AcceptAnswer(session.Answer{Transcript: "Because I like it", RecordingSID: "RE1"}, now)
		if err != nil {
			return err
		}
		return sess.RecordScore(idx, session.Score{Overall: 7, Dimensions: map[string]float64{"clarity": 8}}, now)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Aggregate != 7 {
		t.Fatalf("unexpected aggregate %v", updated.Aggregate)
	}

	got, err := s.Get(ctx, "CA1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Questions) != 1 || len(got.Answers) != 1 {
		t.Fatalf("unexpected slots %+v", got)
	}
	a := got.Answers[0]
	if a.State != session.AnswerScored || a.Score == nil || a.Score.Dimensions["clarity"] != 8 {
		t.Fatalf("score not persisted: %+v", a)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("unexpected created_at %v", got.CreatedAt)
	}
	if n, _ := s.Active(ctx); n != 1 {
		t.Fatalf("expected one active session, got %d", n)
	}
}

func TestUpdateErrorLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	now := time.Now()
	_ = s.Create(ctx, session.New("CA2", "", session.KindCoaching, 3, now))

	_, err := s.Update(ctx, "CA2", func(sess *session.Session) error {
		_, err := sess.AcceptAnswer(session.Answer{Transcript: "no question yet"}, now)
		return err
	})
	if !errors.Is(err, session.ErrNoPendingQuestion) {
		t.Fatalf("expected ErrNoPendingQuestion, got %v", err)
	}
	got, _ := s.Get(ctx, "CA2")
	if len(got.Answers) != 0 {
		t.Fatalf("failed update must not persist")
	}
	if _, err := s.Update(ctx, "missing", func(*session.Session) error { return nil }); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordResultRollingAverage(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{})
	for _, score := range []float64{6, 8, 10} {
		if err := s.RecordResult(ctx, "+15550002", score); err != nil {
			t.Fatalf("record result: %v", err)
		}
	}
	u, err := s.User(ctx, "+15550002")
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if u.SessionCount != 3 || math.Abs(u.AverageScore-8) > 1e-9 {
		t.Fatalf("unexpected user %+v", u)
	}
	if _, err := s.User(ctx, "+1000"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown caller")
	}
}

func TestEventsAndPrune(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, config.StoreConfig{RetentionDays: 1})

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	done := session.New("old-call", "", session.KindInterview, 5, old)
	done.MarkTerminal(session.StatusAbandoned, old)
	_ = s.Create(ctx, done)
	_ = s.Create(ctx, session.New("live-call", "", session.KindInterview, 5, old))
	if err := s.AppendEvent(ctx, protocol.CallEvent{ID: "e1", CallID: "old-call", Type: protocol.EventAbandoned, Timestamp: old}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	s.clock = func() time.Time { return old.Add(72 * time.Hour) }
	if err := s.AppendEvent(ctx, protocol.CallEvent{ID: "e2", CallID: "live-call", Type: protocol.EventCreated}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := s.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	if _, err := s.Get(ctx, "old-call"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("expected terminal session pruned, got %v", err)
	}
	if _, err := s.Get(ctx, "live-call"); err != nil {
		t.Fatalf("active session must survive prune: %v", err)
	}
	events, err := s.ListEvents(ctx, "old-call", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old events pruned")
	}
	events, _ = s.ListEvents(ctx, "live-call", 10)
	if len(events) != 1 || events[0].Type != protocol.EventCreated {
		t.Fatalf("unexpected live events %+v", events)
	}
}
