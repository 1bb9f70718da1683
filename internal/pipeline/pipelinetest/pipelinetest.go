// Package pipelinetest provides scripted adapters and an output collector
// for exercising turns without network collaborators.
package pipelinetest

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
)

// Adapter is a scripted pipeline.Adapter. Every stream it opens records the
// chunks submitted to it and emits Script once input ends. A nil Script
// never emits, leaving the stream open until closed.
type Adapter struct {
	Script       []pipeline.Event
	OnFirstChunk []pipeline.Event
	OpenErr      error
	SubmitErr    error

	mu      sync.Mutex
	streams []*Stream
}

// Partial, Final, Audio, Fail and Done build script events.
func Partial(text string) pipeline.Event { return pipeline.Event{Kind: pipeline.EventPartial, Text: text} }
func Final(text string) pipeline.Event { return pipeline.Event{Kind: pipeline.EventFinal, Text: text} }
func Audio(b []byte) pipeline.Event { return pipeline.Event{Kind: pipeline.EventPartial, Audio: b} }
func Fail(err error) pipeline.Event { return pipeline.Event{Kind: pipeline.EventError, Err: err} }
func Done() pipeline.Event { return pipeline.Event{Kind: pipeline.EventDone} }

func (a *Adapter) Open(_ context.Context, sc pipeline.SessionContext) (pipeline.Stream, error) {
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	st := &Stream{
		adapter: a,
		sc:      sc,
		events:  make(chan pipeline.Event, 256),
		done:    make(chan struct{}),
	}
	a.mu.Lock()
	a.streams = append(a.streams, st)
	a.mu.Unlock()
	return st, nil
}

// Opens returns how many streams were opened.
func (a *Adapter) Opens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

// Streams returns every opened stream in open order.
func (a *Adapter) Streams() []*Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Stream(nil), a.streams...)
}

// Last returns the most recently opened stream, or nil.
func (a *Adapter) Last() *Stream {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.streams) == 0 {
		return nil
	}
	return a.streams[len(a.streams)-1]
}

// Stream is one scripted handle.
type Stream struct {
	adapter *Adapter
	sc      pipeline.SessionContext

	mu     sync.Mutex
	chunks []pipeline.Chunk
	ended  bool

	events    chan pipeline.Event
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func (s *Stream) Submit(c pipeline.Chunk) error {
	if s.adapter.SubmitErr != nil {
		return s.adapter.SubmitErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended || s.closed.Load() {
		return pipeline.ErrChannelClosed
	}
	s.chunks = append(s.chunks, c)
	if len(s.chunks) == 1 {
		s.push(s.adapter.OnFirstChunk)
	}
	return nil
}

func (s *Stream) EndInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return pipeline.ErrChannelClosed
	}
	if !s.ended {
		s.ended = true
		s.push(s.adapter.Script)
	}
	return nil
}

func (s *Stream) Events() iter.Seq[pipeline.Event] {
	return func(yield func(pipeline.Event) bool) {
		for {
			select {
			case <-s.done:
				return
			case ev := <-s.events:
				if !yield(ev) || ev.Kind == pipeline.EventError || ev.Kind == pipeline.EventDone {
					return
				}
			}
		}
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

// Emit pushes ev as if the collaborator produced it.
func (s *Stream) Emit(ev pipeline.Event) {
	s.push([]pipeline.Event{ev})
}

func (s *Stream) push(evs []pipeline.Event) {
	for _, ev := range evs {
		s.events <- ev
	}
}

// Chunks returns a copy of every submitted chunk in order.
func (s *Stream) Chunks() []pipeline.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Chunk(nil), s.chunks...)
}

// Ended reports whether EndInput was called.
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *Stream) Closed() bool { return s.closed.Load() }
func (s *Stream) Context() pipeline.SessionContext { return s.sc }

// Collector is a pipeline.Sink that keeps every output.
type Collector struct {
	mu   sync.Mutex
	outs []pipeline.Output
	seen chan struct{}
}

func NewCollector() *Collector {
	return &Collector{seen: make(chan struct{}, 1)}
}

func (c *Collector) Sink(o pipeline.Output) {
	c.mu.Lock()
	c.outs = append(c.outs, o)
	c.mu.Unlock()
	select {
	case c.seen <- struct{}{}:
	default:
	}
}

// Outputs returns a copy of everything received.
func (c *Collector) Outputs() []pipeline.Output {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]pipeline.Output(nil), c.outs...)
}

// Of returns the outputs of one kind.
func (c *Collector) Of(kind pipeline.OutputKind) []pipeline.Output {
	var out []pipeline.Output
	for _, o := range c.Outputs() {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// WaitFor blocks until match accepts some output or timeout elapses.
func (c *Collector) WaitFor(timeout time.Duration, match func(pipeline.Output) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		for _, o := range c.Outputs() {
			if match(o) {
				return true
			}
		}
		select {
		case <-c.seen:
		case <-deadline.C:
			return false
		}
	}
}

// StageEntered matches a stage-status output for stage.
func StageEntered(stage pipeline.Stage) func(pipeline.Output) bool {
	return func(o pipeline.Output) bool {
		return o.Kind == pipeline.OutputStageStatus && o.Stage == stage
	}
}
