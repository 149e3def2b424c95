package timeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/voiceline/internal/bus"
	"github.com/loqalabs/voiceline/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Appender stores one call event.
type Appender interface {
	AppendEvent(ctx context.Context, evt protocol.CallEvent) error
}

// Recorder subscribes to call events on the bus and appends them to the
// timeline store, so webhook handlers only pay for a publish.
type Recorder struct {
	bus     *bus.Client
	store   Appender
	timeout time.Duration
	logger  *slog.Logger
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	calls   map[string]time.Time
	ended   map[string]time.Time
}

func NewRecorder(parent context.Context, busClient *bus.Client, store Appender, logger *slog.Logger) *Recorder {
	ctx, cancel := context.WithCancel(parent)
	r := &Recorder{
		bus:     busClient,
		store:   store,
		timeout: 5 * time.Second,
		logger:  logger.With(slog.String("component", "timeline")),
		ctx:     ctx,
		cancel:  cancel,
		calls:   make(map[string]time.Time),
		ended:   make(map[string]time.Time),
	}
	r.initMetrics()
	return r
}

func (r *Recorder) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/voiceline")
	open, err := meter.Int64ObservableGauge("voiceline.calls.open",
		metric.WithDescription("Calls with timeline events and no terminal event yet"))
	if err != nil {
		r.logger.Warn("failed to initialize metrics", slogError(err))
		return
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(open, int64(r.Open()))
		return nil
	}, open)
	if err != nil {
		r.logger.Warn("failed to register metric callback", slogError(err))
	}
}

func (r *Recorder) Start() error {
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectCallEventPrefix+".>", r.handleEvent)
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

func (r *Recorder) Close() {
	if r.sub != nil {
		_ = r.sub.Drain()
	}
	r.wg.Wait()
	r.cancel()
}

func (r *Recorder) Healthy() bool {
	return r.sub != nil && r.sub.IsValid()
}

// Open is the number of calls with events seen and no terminal event yet.
func (r *Recorder) Open() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Recorder) handleEvent(msg *nats.Msg) {
	var evt protocol.CallEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		r.logger.Warn("failed to decode call event", slogError(err))
		return
	}
	if evt.CallID == "" || evt.Type == "" {
		return
	}

	seen := evt.Timestamp
	if seen.IsZero() {
		seen = time.Now().UTC()
	}
	r.mu.Lock()
	switch evt.Type {
	case protocol.EventCompleted, protocol.EventAbandoned, protocol.EventFailed:
		delete(r.calls, evt.CallID)
		r.ended[evt.CallID] = seen
	default:
		// Scores for the last answer arrive after completion.
		if _, done := r.ended[evt.CallID]; !done {
			r.calls[evt.CallID] = seen
		}
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()
		if err := r.store.AppendEvent(ctx, evt); err != nil {
			r.logger.Warn("failed to append call event",
				slog.String("call_id", evt.CallID),
				slog.String("type", evt.Type),
				slogError(err))
		}
	}()
}

// Forget drops open-call bookkeeping older than cutoff, for calls whose
// terminal event never arrived, along with old terminal markers. It returns
// the number of open calls dropped.
func (r *Recorder) Forget(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, seen := range r.calls {
		if seen.Before(cutoff) {
			delete(r.calls, id)
			removed++
		}
	}
	for id, seen := range r.ended {
		if seen.Before(cutoff) {
			delete(r.ended, id)
		}
	}
	return removed
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
