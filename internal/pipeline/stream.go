package pipeline

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
)

const defaultQueueSize = 64

// chunkStream is the buffering core shared by every adapter. Input goes
// through a bounded queue that rejects rather than blocks; output goes
// through a buffered channel consumed by Events. Emission stops for good
// after the first terminal event or after Close.
type chunkStream struct {
	input     chan Chunk
	inputDone chan struct{}
	events    chan Event
	done      chan struct{}

	inMu       sync.Mutex
	inputEnded bool

	emitMu   sync.Mutex
	finished atomic.Bool

	closeOnce sync.Once
	release   func() error
	closeErr  error
}

func newChunkStream(queueSize int, release func() error) *chunkStream {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &chunkStream{
		input:     make(chan Chunk, queueSize),
		inputDone: make(chan struct{}),
		events:    make(chan Event, queueSize),
		done:      make(chan struct{}),
		release:   release,
	}
}

func (s *chunkStream) Submit(c Chunk) error {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.inputEnded || s.finished.Load() || s.isClosed() {
		return ErrChannelClosed
	}
	select {
	case s.input <- c:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *chunkStream) EndInput() error {
	s.inMu.Lock()
	defer s.inMu.Unlock()
	if s.isClosed() {
		return ErrChannelClosed
	}
	if !s.inputEnded {
		s.inputEnded = true
		close(s.inputDone)
	}
	return nil
}

func (s *chunkStream) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case <-s.done:
				return
			case ev := <-s.events:
				if !yield(ev) || ev.Kind.terminal() {
					return
				}
			}
		}
	}
}

func (s *chunkStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.release != nil {
			s.closeErr = s.release()
		}
	})
	return s.closeErr
}

func (s *chunkStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit delivers ev to the consumer. It reports false once the stream is
// finished or closed, so producers can stop without erroring.
func (s *chunkStream) emit(ev Event) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.finished.Load() || s.isClosed() {
		return false
	}
	if ev.Kind.terminal() {
		s.finished.Store(true)
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *chunkStream) partial(text string) bool {
	return s.emit(Event{Kind: EventPartial, Text: text})
}

func (s *chunkStream) final(text string) bool {
	return s.emit(Event{Kind: EventFinal, Text: text})
}

func (s *chunkStream) audio(data []byte) bool {
	return s.emit(Event{Kind: EventPartial, Audio: data})
}

func (s *chunkStream) fail(err error) bool {
	return s.emit(Event{Kind: EventError, Err: err})
}

func (s *chunkStream) finish() bool {
	return s.emit(Event{Kind: EventDone})
}

// pump forwards queued input to send in FIFO order. When input ends, any
// chunks still queued are sent and then end is called. A send or end error
// fails the stream.
func (s *chunkStream) pump(send func(Chunk) error, end func() error) {
	for {
		select {
		case <-s.done:
			return
		case c := <-s.input:
			if err := send(c); err != nil {
				s.fail(fmt.Errorf("send: %w", err))
				return
			}
		case <-s.inputDone:
			if err := s.drainInput(send); err != nil {
				s.fail(fmt.Errorf("send: %w", err))
				return
			}
			if end == nil {
				return
			}
			if err := end(); err != nil {
				s.fail(err)
			}
			return
		}
	}
}

func (s *chunkStream) drainInput(send func(Chunk) error) error {
	for {
		select {
		case c := <-s.input:
			if err := send(c); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
