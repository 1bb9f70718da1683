package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hubenschmidt/voice-session-gateway/internal/audio"
	"github.com/hubenschmidt/voice-session-gateway/internal/metrics"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

// errCancelled unwinds the turn goroutine after Cancel. It never reaches the sink.
var errCancelled = errors.New("turn cancelled")

// Recorder receives per-turn timing. Implementations must not block.
type Recorder interface {
	StartTurn(sessionID, turnID string)
	RecordStage(turnID string, stage Stage, startedAt time.Time, d time.Duration)
	EndTurn(turnID string, d time.Duration, outcome Stage, errMsg string)
}

type nopRecorder struct{}

func (nopRecorder) StartTurn(string, string) {}
func (nopRecorder) RecordStage(string, Stage, time.Time, time.Duration) {}
func (nopRecorder) EndTurn(string, time.Duration, Stage, string) {}

// Deps are the collaborators and limits shared by every turn.
type Deps struct {
	Transcriber Adapter
	Generator   Adapter
	Synthesizer Adapter

	SampleRate     int
	SystemPrompt   string
	HistoryLimit   int
	MaxSpeechChars int
	FinalTimeout   time.Duration
	SkipSilent     bool

	Recorder Recorder
}

// Options select per-turn engines and voice. Empty engines use the router fallback.
type Options struct {
	SessionID string
	TurnID    string
	Voice     string
	STTEngine string
	LLMEngine string
	TTSEngine string
}

// Turn drives one conversation turn through transcription, generation and
// synthesis. Every upward emission, history write and stage change happens
// under mu and is skipped once cancelled, so nothing reaches the sink after
// Cancel returns.
type Turn struct {
	deps *Deps
	opts Options
	sess *session.Session
	sink Sink
	rec  Recorder
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	startedAt    time.Time
	transcriptAt time.Time
	history      []session.Turn

	mu           sync.Mutex
	stage        Stage
	stageStart   time.Time
	cancelled    bool
	abortErr     error
	pendingReply string
	streams      []Stream

	// audioMu orders FeedAudio and EndAudio against each other.
	audioMu    sync.Mutex
	stt        Stream
	audioOpen  bool
	endpointed bool
	audioEnded chan struct{}
	chunksIn   int

	done chan struct{}
}

// NewTurn creates a turn in Listening. Nothing is opened until Start.
func NewTurn(deps *Deps, sess *session.Session, opts Options, sink Sink) *Turn {
	rec := deps.Recorder
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Turn{
		rec:        rec,
		deps:       deps,
		opts:       opts,
		sess:       sess,
		sink:       sink,
		log:        slog.Default().With("session_id", opts.SessionID, "turn_id", opts.TurnID),
		stage:      StageListening,
		audioEnded: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (t *Turn) ID() string { return t.opts.TurnID }

// Done is closed once the turn reached a terminal stage.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Stage returns the current stage.
func (t *Turn) Stage() Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stage
}

// Start opens the transcription stream and begins consuming its events.
// If the stream cannot be opened the turn fails at Listening and the
// StageError is returned.
func (t *Turn) Start(ctx context.Context) error {
	t.startedAt = time.Now()
	t.stageStart = t.startedAt
	ctx, t.span = tracer.Start(ctx, "voice turn", trace.WithAttributes(
		attribute.String("session_id", t.opts.SessionID),
		attribute.String("turn_id", t.opts.TurnID),
	))
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.rec.StartTurn(t.opts.SessionID, t.opts.TurnID)
	metrics.PipelinesActive.Inc()

	stt, err := t.open(t.ctx, t.deps.Transcriber, t.opts.STTEngine)
	if err != nil {
		err = t.stageErr(StageListening, err)
		t.settle(err)
		close(t.done)
		return err
	}

	t.audioMu.Lock()
	t.stt = stt
	t.audioOpen = true
	t.audioMu.Unlock()

	t.emit(Output{Kind: OutputStageStatus, Stage: StageListening, State: StateEntered})
	t.log.Info("turn started", "stt", t.opts.STTEngine, "llm", t.opts.LLMEngine, "tts", t.opts.TTSEngine)

	go t.run()
	return nil
}

// FeedAudio forwards one PCM chunk to transcription. A rejected submit
// fails the turn at its current stage.
func (t *Turn) FeedAudio(pcm []byte) error {
	t.audioMu.Lock()
	defer t.audioMu.Unlock()
	if !t.audioOpen {
		return t.closedErr()
	}
	if t.deps.SkipSilent && audio.IsSilent(pcm) {
		metrics.SilentChunksSkipped.Inc()
		return nil
	}
	if err := t.stt.Submit(Chunk{Audio: bytes.Clone(pcm)}); err != nil {
		t.audioOpen = false
		stage := t.Stage()
		t.abort(err)
		return &StageError{Stage: stage, Err: err}
	}
	t.chunksIn++
	metrics.AudioChunksIn.Inc()
	return nil
}

// EndAudio signals end of speech and arms the final-transcript timeout.
func (t *Turn) EndAudio() error {
	t.audioMu.Lock()
	defer t.audioMu.Unlock()
	if !t.audioOpen {
		return t.closedErr()
	}
	t.audioOpen = false
	t.advanceFrom(StageAwaitingFinalTranscript, StageListening, StageTranscribing)
	err := t.stt.EndInput()
	close(t.audioEnded)
	t.log.Info("end of audio", "chunks", t.chunksIn)
	if err != nil {
		t.abort(err)
		return &StageError{Stage: StageAwaitingFinalTranscript, Err: err}
	}
	return nil
}

// Endpointed reports whether the transcriber finalized before the caller
// ended audio input.
func (t *Turn) Endpointed() bool {
	t.audioMu.Lock()
	defer t.audioMu.Unlock()
	return t.endpointed
}

// closedErr tells late input after endpointing apart from input to a turn
// that was ended or failed. Callers hold audioMu.
func (t *Turn) closedErr() error {
	if t.endpointed {
		return ErrInputClosed
	}
	return ErrNotListening
}

// Cancel stops the turn. Partial results are discarded and no further
// outputs are emitted once Cancel returns. Safe to call more than once and
// after the turn ended.
func (t *Turn) Cancel() {
	t.mu.Lock()
	if t.cancelled || t.stage.Terminal() {
		t.mu.Unlock()
		return
	}
	prev := t.stage
	t.cancelled = true
	t.recordStageLocked()
	t.stage = StageCancelled
	t.sink(Output{Kind: OutputStageStatus, TurnID: t.opts.TurnID, Stage: StageCancelled, State: StateCancelled})
	t.mu.Unlock()

	t.log.Info("turn cancelled", "stage", prev.String())
	if t.cancel != nil {
		t.cancel()
	}
	t.closeStreams()
}

func (t *Turn) run() {
	defer close(t.done)
	t.settle(t.execute())
}

func (t *Turn) execute() error {
	transcript, err := t.transcribe()
	if err != nil || transcript == "" {
		return err
	}
	reply, err := t.generate(transcript)
	if err != nil {
		return err
	}
	return t.synthesize(reply)
}

func (t *Turn) transcribe() (string, error) {
	_, span := tracer.Start(t.ctx, "transcribe")
	defer span.End()

	stop := make(chan struct{})
	defer close(stop)
	go t.watchFinal(stop)

	var latest string
	for ev := range t.stt.Events() {
		switch ev.Kind {
		case EventPartial:
			latest = ev.Text
			t.advanceFrom(StageTranscribing, StageListening)
			if !t.emit(Output{Kind: OutputPartialTranscript, Text: ev.Text}) {
				return "", errCancelled
			}
		case EventFinal:
			return t.acceptTranscript(ev.Text, span)
		case EventDone:
			return t.acceptTranscript(latest, span)
		case EventError:
			return "", t.spanErr(span, t.stageErr(t.Stage(), ev.Err))
		}
	}
	return "", t.spanErr(span, t.interrupted(t.Stage()))
}

// watchFinal aborts transcription if no final arrives within FinalTimeout
// of end of audio.
func (t *Turn) watchFinal(stop <-chan struct{}) {
	select {
	case <-t.audioEnded:
	case <-stop:
		return
	}
	if t.deps.FinalTimeout <= 0 {
		return
	}
	timer := time.NewTimer(t.deps.FinalTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		t.log.Warn("final transcript timeout", "timeout", t.deps.FinalTimeout)
		t.abort(ErrFinalTranscriptTimeout)
	case <-stop:
	}
}

func (t *Turn) acceptTranscript(text string, span trace.Span) (string, error) {
	t.audioMu.Lock()
	if t.audioOpen {
		t.endpointed = true
		t.log.Info("transcriber endpointed before end of audio")
	}
	t.audioOpen = false
	t.audioMu.Unlock()
	_ = t.stt.Close()

	text = strings.TrimSpace(text)
	span.SetAttributes(attribute.Int("transcript.length", len(text)))
	if text == "" {
		t.log.Info("empty transcript")
		return "", nil
	}

	t.history = t.sess.Recent(t.deps.HistoryLimit)
	t.transcriptAt = time.Now()
	ok := t.commit(func() {
		if _, added := t.sess.AppendUser(text); !added {
			metrics.DuplicateTranscripts.Inc()
			t.log.Info("duplicate transcript suppressed")
		}
		t.sink(Output{Kind: OutputFinalTranscript, TurnID: t.opts.TurnID, Text: text})
	})
	if !ok {
		return "", errCancelled
	}
	t.log.Info("transcript", "text", text)
	return text, nil
}

func (t *Turn) generate(transcript string) (string, error) {
	if !t.advance(StageGenerating) {
		return "", errCancelled
	}
	ctx, span := tracer.Start(t.ctx, "generate")
	defer span.End()

	llm, err := t.open(ctx, t.deps.Generator, t.opts.LLMEngine)
	if err != nil {
		return "", t.spanErr(span, t.stageErr(StageGenerating, err))
	}
	defer llm.Close()

	if err = llm.Submit(Chunk{Text: transcript, History: t.history}); err == nil {
		err = llm.EndInput()
	}
	if err != nil {
		return "", t.spanErr(span, t.stageErr(StageGenerating, err))
	}

	var acc strings.Builder
	for ev := range llm.Events() {
		switch ev.Kind {
		case EventPartial:
			acc.WriteString(ev.Text)
			if !t.emit(Output{Kind: OutputPartialReply, Text: ev.Text}) {
				return "", errCancelled
			}
		case EventFinal:
			return t.acceptReply(ev.Text, acc.String(), span)
		case EventDone:
			return t.acceptReply("", acc.String(), span)
		case EventError:
			return "", t.spanErr(span, t.stageErr(StageGenerating, ev.Err))
		}
	}
	return "", t.spanErr(span, t.interrupted(StageGenerating))
}

// acceptReply settles the reply text: the final event's text when present,
// otherwise everything streamed. The agent turn is held until synthesis ends.
func (t *Turn) acceptReply(final, streamed string, span trace.Span) (string, error) {
	reply := strings.TrimSpace(final)
	if reply == "" {
		reply = strings.TrimSpace(streamed)
	}
	if reply == "" {
		return "", t.spanErr(span, t.stageErr(StageGenerating, ErrEmptyReply))
	}
	span.SetAttributes(attribute.Int("reply.length", len(reply)))

	ok := t.commit(func() {
		t.pendingReply = reply
		t.sink(Output{Kind: OutputFinalReply, TurnID: t.opts.TurnID, Text: reply})
	})
	if !ok {
		return "", errCancelled
	}
	t.log.Info("reply", "chars", len(reply))
	return reply, nil
}

func (t *Turn) synthesize(reply string) error {
	if !t.advance(StageSynthesizing) {
		return errCancelled
	}
	ctx, span := tracer.Start(t.ctx, "synthesize")
	defer span.End()

	speech := capSpeech(reply, t.deps.MaxSpeechChars)
	if len(speech) < len(reply) {
		t.log.Info("speech text capped", "from", len(reply), "to", len(speech))
	}

	tts, err := t.open(ctx, t.deps.Synthesizer, t.opts.TTSEngine)
	if err != nil {
		return t.spanErr(span, t.stageErr(StageSynthesizing, err))
	}
	defer tts.Close()

	if err = tts.Submit(Chunk{Text: speech}); err == nil {
		err = tts.EndInput()
	}
	if err != nil {
		return t.spanErr(span, t.stageErr(StageSynthesizing, err))
	}

	// One chunk is held back so the last can be flagged final.
	var held []byte
	pending := false
	index := 0
	flush := func(final bool) bool {
		ok := t.emit(Output{Kind: OutputAudioChunk, Index: index, Audio: held, IsFinal: final, First: index == 0})
		if ok {
			metrics.AudioChunksOut.Inc()
		}
		index++
		held, pending = nil, false
		return ok
	}

	for ev := range tts.Events() {
		switch ev.Kind {
		case EventPartial, EventFinal:
			if len(ev.Audio) == 0 {
				continue
			}
			if pending {
				if !flush(false) {
					return errCancelled
				}
			} else if index == 0 {
				metrics.FirstAudioLatency.Observe(time.Since(t.transcriptAt).Seconds())
				if !t.advance(StageStreaming) {
					return errCancelled
				}
			}
			held, pending = ev.Audio, true
		case EventDone:
			if !pending {
				return t.spanErr(span, t.stageErr(StageSynthesizing, ErrNoAudio))
			}
			if !flush(true) {
				return errCancelled
			}
			span.SetAttributes(attribute.Int("audio.chunks", index))
			return nil
		case EventError:
			if pending {
				flush(false)
			}
			return t.spanErr(span, t.stageErr(StageSynthesizing, ev.Err))
		}
	}
	if pending {
		flush(false)
	}
	return t.spanErr(span, t.interrupted(StageSynthesizing))
}

// settle moves the turn to its terminal stage, commits a generated reply
// unless cancelled, and emits the single error event for a failed turn.
func (t *Turn) settle(err error) {
	t.closeStreams()
	if t.cancel != nil {
		defer t.cancel()
	}
	defer metrics.PipelinesActive.Dec()
	defer t.span.End()

	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.startedAt)
	if t.cancelled {
		t.rec.EndTurn(t.opts.TurnID, elapsed, StageCancelled, "")
		metrics.TurnsTotal.WithLabelValues(StageCancelled.String()).Inc()
		t.span.SetStatus(codes.Unset, "cancelled")
		return
	}

	if t.pendingReply != "" {
		t.sess.AppendAgent(t.pendingReply)
		t.pendingReply = ""
	}

	var se *StageError
	if err != nil && !errors.As(err, &se) {
		se = &StageError{Stage: t.stage, Err: err}
	}

	t.recordStageLocked()
	if se != nil {
		t.stage = StageFailed
		t.span.SetStatus(codes.Error, se.Error())
		metrics.TurnsTotal.WithLabelValues(StageFailed.String()).Inc()
		metrics.Errors.WithLabelValues(se.Stage.String(), "stage").Inc()
		t.rec.EndTurn(t.opts.TurnID, elapsed, StageFailed, se.Error())
		t.log.Error("turn failed", "stage", se.Stage.String(), "error", se.Err)
		t.sink(Output{Kind: OutputError, TurnID: t.opts.TurnID, Stage: se.Stage, Message: se.Message()})
		t.sink(Output{Kind: OutputStageStatus, TurnID: t.opts.TurnID, Stage: StageFailed, State: StateFailed})
		return
	}

	t.stage = StageCompleted
	metrics.TurnsTotal.WithLabelValues(StageCompleted.String()).Inc()
	t.rec.EndTurn(t.opts.TurnID, elapsed, StageCompleted, "")
	t.log.Info("turn completed", "elapsed_ms", elapsed.Milliseconds())
	t.sink(Output{Kind: OutputStageStatus, TurnID: t.opts.TurnID, Stage: StageCompleted, State: StateCompleted})
}

// open routes to engine and tracks the stream for closing on cancel.
func (t *Turn) open(ctx context.Context, a Adapter, engine string) (Stream, error) {
	st, err := a.Open(ctx, SessionContext{
		SessionID:    t.opts.SessionID,
		TurnID:       t.opts.TurnID,
		Engine:       engine,
		Voice:        t.opts.Voice,
		SampleRate:   t.deps.SampleRate,
		SystemPrompt: t.deps.SystemPrompt,
	})
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		_ = st.Close()
		return nil, errCancelled
	}
	t.streams = append(t.streams, st)
	t.mu.Unlock()
	return st, nil
}

func (t *Turn) closeStreams() {
	t.mu.Lock()
	streams := t.streams
	t.streams = nil
	t.mu.Unlock()
	for _, st := range streams {
		_ = st.Close()
	}
}

// abort records the first out-of-band failure and unblocks transcription.
func (t *Turn) abort(err error) {
	t.mu.Lock()
	if t.abortErr == nil {
		t.abortErr = err
	}
	t.mu.Unlock()
	if t.stt != nil {
		_ = t.stt.Close()
	}
}

// interrupted explains an event sequence that ended without a terminal event.
func (t *Turn) interrupted(stage Stage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return errCancelled
	}
	if t.abortErr != nil {
		return &StageError{Stage: stage, Err: t.abortErr}
	}
	return &StageError{Stage: stage, Err: ErrChannelClosed}
}

func (t *Turn) stageErr(stage Stage, err error) error {
	if errors.Is(err, errCancelled) {
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

func (t *Turn) spanErr(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, errCancelled) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// emit sends o to the sink unless the turn was cancelled.
func (t *Turn) emit(o Output) bool {
	o.TurnID = t.opts.TurnID
	return t.commit(func() { t.sink(o) })
}

// commit runs fn under the emission lock unless the turn was cancelled.
func (t *Turn) commit(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	fn()
	return true
}

func (t *Turn) advance(next Stage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return false
	}
	t.enterLocked(next)
	return true
}

// advanceFrom moves to next only from one of the given stages.
func (t *Turn) advanceFrom(next Stage, from ...Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	for _, s := range from {
		if t.stage == s {
			t.enterLocked(next)
			return
		}
	}
}

func (t *Turn) enterLocked(next Stage) {
	if t.stage == next {
		return
	}
	t.recordStageLocked()
	t.stage = next
	t.stageStart = time.Now()
	t.sink(Output{Kind: OutputStageStatus, TurnID: t.opts.TurnID, Stage: next, State: StateEntered})
}

func (t *Turn) recordStageLocked() {
	d := time.Since(t.stageStart)
	metrics.StageDuration.WithLabelValues(t.stage.String()).Observe(d.Seconds())
	t.rec.RecordStage(t.opts.TurnID, t.stage, t.stageStart, d)
}
