package timeline

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/voiceline/internal/bus"
	"github.com/loqalabs/voiceline/internal/config"
	"github.com/loqalabs/voiceline/internal/natsserver"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/nats-io/nats.go"
)

type memoryAppender struct {
	mu     sync.Mutex
	events []protocol.CallEvent
}

func (m *memoryAppender) AppendEvent(_ context.Context, evt protocol.CallEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *memoryAppender) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func startBus(t *testing.T, logger *slog.Logger) *bus.Client {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start embedded nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	cfg.Servers = []string{srv.ClientURL()}
	cfg.ConnectRetries = 1
	client, err := bus.Connect(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestRecorderPersistsPublishedEvents(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	client := startBus(t, logger)
	store := &memoryAppender{}

	rec := NewRecorder(context.Background(), client, store, logger)
	if err := rec.Start(); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	defer rec.Close()
	if !rec.Healthy() {
		t.Fatalf("expected healthy recorder")
	}

	now := time.Now().UTC()
	for _, typ := range []string{protocol.EventCreated, protocol.EventQuestionAsked} {
		evt := protocol.CallEvent{ID: typ, CallID: "CA1", Type: typ, Timestamp: now}
		if err := client.PublishJSON(protocol.CallEventSubject(typ), evt); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	_ = client.Conn().Flush()

	deadline := time.Now().Add(2 * time.Second)
	for store.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if store.len() != 2 {
		t.Fatalf("expected 2 persisted events, got %d", store.len())
	}
	if rec.Open() != 1 {
		t.Fatalf("expected one open call, got %d", rec.Open())
	}

	evt := protocol.CallEvent{ID: "done", CallID: "CA1", Type: protocol.EventAbandoned, Timestamp: now}
	_ = client.PublishJSON(protocol.CallEventSubject(evt.Type), evt)
	_ = client.Conn().Flush()
	deadline = time.Now().Add(2 * time.Second)
	for store.len() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.Open() != 0 {
		t.Fatalf("terminal event must close the call")
	}
}

func TestRecorderForget(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	rec := NewRecorder(context.Background(), nil, &memoryAppender{}, logger)
	rec.calls["old"] = time.Now().Add(-time.Hour)
	rec.calls["new"] = time.Now()
	if rec.Forget(time.Now().Add(-time.Minute)) != 1 || rec.Open() != 1 {
		t.Fatalf("expected only the stale call to be forgotten")
	}
}

func TestLateScoreDoesNotReopenCompletedCall(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	store := &memoryAppender{}
	rec := NewRecorder(context.Background(), nil, store, logger)

	now := time.Now().UTC()
	for _, typ := range []string{protocol.EventAnswerAccepted, protocol.EventCompleted, protocol.EventAnswerScored} {
		data, err := json.Marshal(protocol.CallEvent{ID: typ, CallID: "CA1", Type: typ, Timestamp: now})
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rec.handleEvent(&nats.Msg{Subject: protocol.CallEventSubject(typ), Data: data})
	}
	rec.wg.Wait()

	if rec.Open() != 0 {
		t.Fatalf("completed call counted as open: %d", rec.Open())
	}
	if store.len() != 3 {
		t.Fatalf("expected every event persisted, got %d", store.len())
	}
	if rec.Forget(now.Add(time.Minute)) != 0 || len(rec.ended) != 0 {
		t.Fatalf("expected terminal markers to be forgotten")
	}
}
