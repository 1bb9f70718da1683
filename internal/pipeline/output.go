package pipeline

// OutputKind names an event sent upward from a turn to the client.
type OutputKind string

const (
	OutputPartialTranscript OutputKind = "partial-transcript"
	OutputFinalTranscript   OutputKind = "final-transcript"
	OutputPartialReply      OutputKind = "partial-reply"
	OutputFinalReply        OutputKind = "final-reply"
	OutputAudioChunk        OutputKind = "audio-chunk"
	OutputStageStatus       OutputKind = "stage-status"
	OutputError             OutputKind = "error"
)

// Output is one upward event. Which fields are set depends on Kind:
// Text for transcripts and replies; Index, Audio, IsFinal and First for
// audio chunks; Stage and State for stage-status; Stage and Message for
// errors.
type Output struct {
	Kind    OutputKind
	TurnID  string
	Text    string
	Index   int
	Audio   []byte
	IsFinal bool
	First   bool
	Stage   Stage
	State   string
	Message string
}

// Sink receives a session's outputs in order. It is called from the turn's
// goroutine while the turn's emission lock is held, so it must not block on
// the network or call back into the turn.
type Sink func(Output)

// stage-status states.
const (
	StateEntered   = "entered"
	StateCompleted = "completed"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)
