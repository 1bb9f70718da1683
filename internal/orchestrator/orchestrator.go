package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

var (
	// ErrSessionNotFound is returned for ids that were never connected or
	// were already torn down.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoActivePipeline is returned for audio or turn commands outside a
	// turn that accepts them. Late input for a turn whose transcriber
	// already finalized gets pipeline.ErrInputClosed instead.
	ErrNoActivePipeline = errors.New("no active pipeline")
)

const defaultCancelGrace = 2 * time.Second

// TurnRequest carries the start-turn parameters. Empty engines fall back
// to the configured defaults; an empty voice keeps the session's voice.
type TurnRequest struct {
	Voice     string
	STTEngine string
	LLMEngine string
	TTSEngine string
}

// Orchestrator routes session commands to each session's single active
// turn. It is the only place that swaps a session's active pipeline, and it
// does so under that session's lock.
type Orchestrator struct {
	ctx         context.Context
	store       *session.Store
	deps        *pipeline.Deps
	cancelGrace time.Duration

	sinkMu sync.Mutex
	sinks  map[string]pipeline.Sink

	// last is each session's most recent turn, kept after it ends so late
	// input for an endpointed turn can be told apart from a stray command.
	lastMu sync.Mutex
	last   map[string]*pipeline.Turn

	audit audit
}

// New creates an orchestrator. Turns run under ctx; cancelling it cancels
// every running turn.
func New(ctx context.Context, store *session.Store, deps *pipeline.Deps, cancelGrace time.Duration) *Orchestrator {
	if cancelGrace <= 0 {
		cancelGrace = defaultCancelGrace
	}
	return &Orchestrator{
		ctx:         ctx,
		store:       store,
		deps:        deps,
		cancelGrace: cancelGrace,
		sinks:       make(map[string]pipeline.Sink),
		last:        make(map[string]*pipeline.Turn),
		audit:       audit{live: make(map[string]map[string]struct{}), peak: make(map[string]int)},
	}
}

// Connect looks up or creates the session for id and routes its outputs to
// sink. A later Connect for the same id replaces the sink.
func (o *Orchestrator) Connect(id string, sink pipeline.Sink) *session.Session {
	sess, created := o.store.GetOrCreate(id)
	o.sinkMu.Lock()
	o.sinks[sess.ID()] = sink
	o.sinkMu.Unlock()
	if created {
		metrics.SessionsActive.Inc()
		slog.Info("session created", "session_id", sess.ID())
	}
	return sess
}

// StartTurn cancels any active turn, waits for it to stop, then starts a new
// one. A transcription backend that cannot be reached fails the new turn at
// Listening; that failure is already reported to the sink and returned.
func (o *Orchestrator) StartTurn(id string, req TurnRequest) (string, error) {
	sess, err := o.session(id)
	if err != nil {
		return "", err
	}

	sess.Lock()
	defer sess.Unlock()
	if sess.ClosedLocked() {
		return "", ErrSessionNotFound
	}

	if prev := sess.ActiveLocked(); prev != nil {
		prev.Cancel()
		if o.await(id, prev) {
			o.audit.leave(id, prev.ID())
		}
	}

	sess.SetVoiceLocked(req.Voice)
	turn := pipeline.NewTurn(o.deps, sess, pipeline.Options{
		SessionID: id,
		TurnID:    uuid.NewString(),
		Voice:     sess.VoiceLocked(),
		STTEngine: req.STTEngine,
		LLMEngine: req.LLMEngine,
		TTSEngine: req.TTSEngine,
	}, o.sinkFor(id))

	sess.SetActiveLocked(turn)
	o.setLast(id, turn)
	o.audit.enter(id, turn.ID())
	go o.watch(sess, turn)

	if err = turn.Start(o.ctx); err != nil {
		return turn.ID(), fmt.Errorf("start turn: %w", err)
	}
	return turn.ID(), nil
}

// FeedAudio forwards one inbound audio chunk to the active turn.
func (o *Orchestrator) FeedAudio(id string, pcm []byte) error {
	return o.withTurn(id, func(t *pipeline.Turn) error { return t.FeedAudio(pcm) })
}

// EndAudio marks end of speech on the active turn.
func (o *Orchestrator) EndAudio(id string) error {
	return o.withTurn(id, (*pipeline.Turn).EndAudio)
}

// CancelTurn cancels the active turn and waits for it to stop, up to the
// cancel grace. Partial results are discarded and no turn is appended to
// history.
func (o *Orchestrator) CancelTurn(id string) error {
	sess, err := o.session(id)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()
	active := sess.ActiveLocked()
	if active == nil {
		return ErrNoActivePipeline
	}
	active.Cancel()
	if o.await(id, active) {
		o.audit.leave(id, active.ID())
	}
	sess.SetActiveLocked(nil)
	return nil
}

// Teardown cancels any active turn and discards the session.
func (o *Orchestrator) Teardown(id string) error {
	active, err := o.store.Delete(id)
	if errors.Is(err, session.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if active != nil {
		active.Cancel()
	}

	o.sinkMu.Lock()
	delete(o.sinks, id)
	o.sinkMu.Unlock()
	o.setLast(id, nil)

	metrics.SessionsActive.Dec()
	slog.Info("session torn down", "session_id", id)
	return nil
}

// Shutdown tears down every live session.
func (o *Orchestrator) Shutdown() {
	for _, st := range o.store.Snapshot() {
		_ = o.Teardown(st.ID)
	}
}

// History returns a copy of the session's chat history.
func (o *Orchestrator) History(id string) ([]session.Turn, error) {
	sess, err := o.session(id)
	if err != nil {
		return nil, err
	}
	return sess.History(), nil
}

// ClearHistory drops the session's chat history and returns how many turns were removed.
func (o *Orchestrator) ClearHistory(id string) (int, error) {
	sess, err := o.session(id)
	if err != nil {
		return 0, err
	}
	n := sess.ClearHistory()
	slog.Info("history cleared", "session_id", id, "turns", n)
	return n, nil
}

// Sessions returns stats for every live session.
func (o *Orchestrator) Sessions() []session.Stats {
	return o.store.Snapshot()
}

// LiveTurns reports how many turns of session id are non-terminal now and
// the most that ever were at once.
func (o *Orchestrator) LiveTurns(id string) (live, peak int) {
	return o.audit.get(id)
}

func (o *Orchestrator) session(id string) (*session.Session, error) {
	sess, err := o.store.Get(id)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

// withTurn runs fn on the active turn under the session lock so audio
// never reaches a turn that is being replaced.
func (o *Orchestrator) withTurn(id string, fn func(*pipeline.Turn) error) error {
	sess, err := o.session(id)
	if err != nil {
		return err
	}
	sess.Lock()
	defer sess.Unlock()
	turn, ok := sess.ActiveLocked().(*pipeline.Turn)
	if !ok || turn == nil {
		if last := o.lastTurn(id); last != nil && last.Endpointed() {
			return pipeline.ErrInputClosed
		}
		return ErrNoActivePipeline
	}
	err = fn(turn)
	if errors.Is(err, pipeline.ErrNotListening) {
		return fmt.Errorf("%w: turn %s is %s", ErrNoActivePipeline, turn.ID(), turn.Stage())
	}
	return err
}

func (o *Orchestrator) setLast(id string, turn *pipeline.Turn) {
	o.lastMu.Lock()
	defer o.lastMu.Unlock()
	if turn == nil {
		delete(o.last, id)
		return
	}
	o.last[id] = turn
}

func (o *Orchestrator) lastTurn(id string) *pipeline.Turn {
	o.lastMu.Lock()
	defer o.lastMu.Unlock()
	return o.last[id]
}

func (o *Orchestrator) sinkFor(id string) pipeline.Sink {
	return func(out pipeline.Output) {
		o.sinkMu.Lock()
		sink := o.sinks[id]
		o.sinkMu.Unlock()
		if sink != nil {
			sink(out)
		}
	}
}

// await blocks until a cancelled turn finished, up to the cancel grace.
// It reports whether the turn finished in time.
func (o *Orchestrator) await(id string, p session.Pipeline) bool {
	select {
	case <-p.Done():
		return true
	case <-time.After(o.cancelGrace):
		slog.Warn("previous turn still stopping", "session_id", id, "turn_id", p.ID(), "grace", o.cancelGrace)
		return false
	}
}

// watch clears the session's active slot once turn ends.
func (o *Orchestrator) watch(sess *session.Session, turn *pipeline.Turn) {
	<-turn.Done()
	o.audit.leave(sess.ID(), turn.ID())
	sess.ClearActive(turn)
}

// audit tracks non-terminal turns per session.
type audit struct {
	mu   sync.Mutex
	live map[string]map[string]struct{}
	peak map[string]int
}

func (a *audit) enter(id, turnID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	turns := a.live[id]
	if turns == nil {
		turns = make(map[string]struct{})
		a.live[id] = turns
	}
	turns[turnID] = struct{}{}
	if len(turns) > a.peak[id] {
		a.peak[id] = len(turns)
	}
}

func (a *audit) leave(id, turnID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.live[id], turnID)
}

func (a *audit) get(id string) (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live[id]), a.peak[id]
}
