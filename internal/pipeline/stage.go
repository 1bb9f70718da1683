package pipeline

import (
	"errors"
	"fmt"
)

// Stage is a turn's position in the transcribe → generate → synthesize sequence.
type Stage int

const (
	StageListening Stage = iota
	StageTranscribing
	StageAwaitingFinalTranscript
	StageGenerating
	StageSynthesizing
	StageStreaming
	StageCompleted
	StageCancelled
	StageFailed
)

var stageNames = [...]string{
	StageListening:               "Listening",
	StageTranscribing:            "Transcribing",
	StageAwaitingFinalTranscript: "AwaitingFinalTranscript",
	StageGenerating:              "Generating",
	StageSynthesizing:            "Synthesizing",
	StageStreaming:               "Streaming",
	StageCompleted:               "Completed",
	StageCancelled:               "Cancelled",
	StageFailed:                  "Failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Terminal reports whether no further transitions can happen from s.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageCancelled || s == StageFailed
}

var (
	// ErrFinalTranscriptTimeout fails a turn whose transcriber never
	// finalized after end of audio.
	ErrFinalTranscriptTimeout = errors.New("timed out waiting for final transcript")

	// ErrEmptyReply fails a turn whose generator finished without text.
	ErrEmptyReply = errors.New("generator returned an empty reply")

	// ErrNoAudio fails a turn whose synthesizer finished without audio.
	ErrNoAudio = errors.New("synthesizer returned no audio")

	// ErrNotListening is returned by FeedAudio and EndAudio once the turn
	// stopped accepting audio.
	ErrNotListening = errors.New("turn is not accepting audio")

	// ErrInputClosed is returned by FeedAudio and EndAudio after the
	// transcriber finalized on its own. Late input for such a turn is
	// expected and may be dropped silently.
	ErrInputClosed = errors.New("transcript already finalized")
)

// StageError records which stage a turn failed in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageMessages are the client-facing descriptions per failed stage.
var stageMessages = map[Stage]string{
	StageListening:               "couldn't start transcription",
	StageTranscribing:            "couldn't understand audio",
	StageAwaitingFinalTranscript: "couldn't finalize the transcript",
	StageGenerating:              "couldn't generate a reply",
	StageSynthesizing:            "couldn't synthesize speech",
	StageStreaming:               "couldn't stream reply audio",
}

// Message returns a short client-facing description followed by the cause.
func (e *StageError) Message() string {
	msg, ok := stageMessages[e.Stage]
	if !ok {
		msg = "turn failed"
	}
	return msg + ": " + e.Err.Error()
}
