package ws

import (
	"encoding/base64"

	"github.com/hubenschmidt/voice-session-gateway/internal/pipeline"
	"github.com/hubenschmidt/voice-session-gateway/internal/session"
)

// Inbound command types.
const (
	cmdHello        = "hello"
	cmdStartTurn    = "start-turn"
	cmdEndTurn      = "end-turn"
	cmdCancelTurn   = "cancel-turn"
	cmdClearHistory = "clear-history"
	cmdPing         = "ping"
)

// Error stages reported for problems outside a turn.
const (
	stageSession   = "Session"
	stageTransport = "Transport"
)

// command is an inbound text frame.
type command struct {
	Type         string `json:"type"`
	SessionID    string `json:"session_id,omitempty"`
	VoiceProfile string `json:"voice_profile,omitempty"`
	STTEngine    string `json:"stt_engine,omitempty"`
	LLMEngine    string `json:"llm_engine,omitempty"`
	TTSEngine    string `json:"tts_engine,omitempty"`
}

// frame is an outbound text frame.
type frame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	TurnID    string         `json:"turn_id,omitempty"`
	Text      *string        `json:"text,omitempty"`
	Index     *int           `json:"index,omitempty"`
	Audio     string         `json:"audio,omitempty"`
	IsFinal   *bool          `json:"is_final,omitempty"`
	Binary    bool           `json:"binary,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	State     string         `json:"state,omitempty"`
	Message   string         `json:"message,omitempty"`
	Turns     []session.Turn `json:"turns,omitempty"`
}

func readyFrame(sessionID string) frame {
	return frame{Type: "ready", SessionID: sessionID}
}

func historyFrame(turns []session.Turn) frame {
	if turns == nil {
		turns = []session.Turn{}
	}
	return frame{Type: "history", Turns: turns}
}

func errorFrame(stage, msg string) frame {
	return frame{Type: "error", Stage: stage, Message: msg}
}

// outputFrame converts a turn output to its wire frame. For audio chunks in
// binary mode the payload is left to the caller.
func outputFrame(o pipeline.Output, binary bool) frame {
	f := frame{Type: string(o.Kind), TurnID: o.TurnID}
	switch o.Kind {
	case pipeline.OutputPartialTranscript, pipeline.OutputFinalTranscript,
		pipeline.OutputPartialReply, pipeline.OutputFinalReply:
		f.Text = &o.Text
	case pipeline.OutputAudioChunk:
		f.Index = &o.Index
		f.IsFinal = &o.IsFinal
		if binary {
			f.Binary = true
		} else {
			f.Audio = base64.StdEncoding.EncodeToString(o.Audio)
		}
	case pipeline.OutputStageStatus:
		f.Stage = o.Stage.String()
		f.State = o.State
	case pipeline.OutputError:
		f.Stage = o.Stage.String()
		f.Message = o.Message
	}
	return f
}
