package telephony

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/loqalabs/voiceline/internal/session"
)

// Publisher broadcasts call events, normally over the bus.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Timeline persists call events.
type Timeline interface {
	AppendEvent(ctx context.Context, evt protocol.CallEvent) error
}

// Ledger accumulates per-caller results.
type Ledger interface {
	RecordResult(ctx context.Context, caller string, score float64) error
}

type emitter struct {
	publisher Publisher
	timeline  Timeline
	logger    *slog.Logger
}

// emit records one lifecycle transition. Failures are logged and otherwise
// ignored; the call never waits on its own timeline.
func (e *emitter) emit(ctx context.Context, sess *session.Session, eventType string, answer int, detail string) {
	evt := protocol.CallEvent{
		ID:          uuid.NewString(),
		CallID:      sess.CallID,
		Caller:      sess.Caller,
		Kind:        string(sess.Kind),
		Type:        eventType,
		Status:      string(sess.Status),
		AnswerIndex: answer,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	}
	if e.publisher != nil {
		if err := e.publisher.PublishJSON(protocol.CallEventSubject(eventType), evt); err != nil {
			e.logger.Warn("failed to publish call event",
				slog.String("call_id", sess.CallID),
				slog.String("type", eventType),
				slogError(err))
		}
	}
	if e.timeline != nil {
		if err := e.timeline.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
			e.logger.Warn("failed to append call event",
				slog.String("call_id", sess.CallID),
				slog.String("type", eventType),
				slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
