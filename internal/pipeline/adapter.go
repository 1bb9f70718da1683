package pipeline

import (
	"context"
	"errors"
	"iter"

	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

var (
	// ErrChannelClosed is returned by Submit once the collaborator ended,
	// errored, or the handle was closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrBackpressure is returned by Submit when the collaborator is not
	// draining input fast enough. The chunk is not queued.
	ErrBackpressure = errors.New("collaborator input queue full")
)

// EventKind classifies an adapter output event.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventError
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventError:
		return "error"
	case EventDone:
		return "done"
	}
	return "unknown"
}

func (k EventKind) terminal() bool { return k == EventError || k == EventDone }

// Event is one unit of adapter output. Text is set by transcription and
// generation adapters, Audio by synthesis adapters, Err only on EventError.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Err   error
}

// Chunk is one unit of adapter input. Transcription reads Audio;
// generation reads Text and History; synthesis reads Text.
type Chunk struct {
	Audio   []byte
	Text    string
	History []session.Turn
}

// SessionContext carries per-turn parameters into Open.
type SessionContext struct {
	SessionID    string
	TurnID       string
	Engine       string
	Voice        string
	SampleRate   int
	SystemPrompt string
}

// Stream is an open handle on one collaborator for one turn.
type Stream interface {
	// Submit hands one chunk to the collaborator without blocking.
	Submit(Chunk) error
	// EndInput signals that no more chunks follow.
	EndInput() error
	// Events yields output in production order. The sequence ends after
	// EventDone, EventError, or Close.
	Events() iter.Seq[Event]
	// Close releases the handle. Safe to call more than once.
	Close() error
}

// Adapter opens streams on one collaborator kind.
type Adapter interface {
	Open(ctx context.Context, sc SessionContext) (Stream, error)
}

// AdapterRouter selects an Adapter by SessionContext.Engine.
type AdapterRouter struct {
	*Router[Adapter]
}

// NewAdapterRouter creates a router with registered backends and a fallback default.
func NewAdapterRouter(backends map[string]Adapter, fallback string) *AdapterRouter {
	return &AdapterRouter{Router: NewRouter(backends, fallback)}
}

// Open routes to the engine named in sc and opens a stream on it.
func (r *AdapterRouter) Open(ctx context.Context, sc SessionContext) (Stream, error) {
	backend, err := r.Route(sc.Engine)
	if err != nil {
		return nil, err
	}
	return backend.Open(ctx, sc)
}
