package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
)

const (
	queueSize    = 256
	writeTimeout = 5 * time.Second
	maxErrLen    = 500
)

// writer is the subset of Store the tracer drains into.
type writer interface {
	CreateTurn(ctx context.Context, id, sessionID string, startedAt time.Time) error
	FinishTurn(ctx context.Context, id string, durationMs float64, outcome, errMsg string) error
	CreateStage(ctx context.Context, st Stage) error
}

type traceMsg struct {
	kind string // "turn_create", "turn_finish", "stage"

	turnID     string
	sessionID  string
	startedAt  time.Time
	durationMs float64
	outcome    string
	errMsg     string

	stage Stage
}

// Tracer records turn and stage timing asynchronously through a buffered
// channel. It implements pipeline.Recorder. Records are dropped rather than
// blocking a turn when the queue is full. All methods are nil-safe.
type Tracer struct {
	store writer
	ch    chan traceMsg
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ pipeline.Recorder = (*Tracer)(nil)

// NewTracer creates a tracer draining into store. Must call Close when done.
func NewTracer(store *Store) *Tracer {
	return newTracer(store)
}

func newTracer(w writer) *Tracer {
	t := &Tracer{
		store: w,
		ch:    make(chan traceMsg, queueSize),
		done:  make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	handlers := map[string]func() error{
		"turn_create": func() error { return t.store.CreateTurn(ctx, m.turnID, m.sessionID, m.startedAt) },
		"turn_finish": func() error { return t.store.FinishTurn(ctx, m.turnID, m.durationMs, m.outcome, m.errMsg) },
		"stage":       func() error { return t.store.CreateStage(ctx, m.stage) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "turn_id", m.turnID, "error", err)
	}
}

func (t *Tracer) enqueue(m traceMsg) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- m:
	default:
		slog.Warn("trace queue full, record dropped", "kind", m.kind, "turn_id", m.turnID)
	}
}

// StartTurn records a new running turn.
func (t *Tracer) StartTurn(sessionID, turnID string) {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{kind: "turn_create", turnID: turnID, sessionID: sessionID, startedAt: time.Now()})
}

// RecordStage records the time a turn spent in one stage.
func (t *Tracer) RecordStage(turnID string, stage pipeline.Stage, startedAt time.Time, d time.Duration) {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{
		kind:   "stage",
		turnID: turnID,
		stage: Stage{
			ID:         uuid.NewString(),
			TurnID:     turnID,
			Name:       stage.String(),
			StartedAt:  startedAt,
			DurationMs: float64(d.Microseconds()) / 1000,
		},
	})
}

// EndTurn records the turn's terminal stage.
func (t *Tracer) EndTurn(turnID string, d time.Duration, outcome pipeline.Stage, errMsg string) {
	if t == nil {
		return
	}
	t.enqueue(traceMsg{
		kind:       "turn_finish",
		turnID:     turnID,
		durationMs: float64(d.Microseconds()) / 1000,
		outcome:    outcome.String(),
		errMsg:     truncate(errMsg, maxErrLen),
	})
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
