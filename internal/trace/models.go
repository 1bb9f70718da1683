package trace

import "time"

// Turn is the timing record of one voice turn. Transcript and reply text
// are never stored.
type Turn struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	StageCount int       `json:"stage_count,omitempty"`
}

// Stage is the time one turn spent in one pipeline stage.
type Stage struct {
	ID         string    `json:"id"`
	TurnID     string    `json:"turn_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
}
