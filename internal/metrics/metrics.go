package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Currently connected voice sessions",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_connections_total",
		Help: "Total websocket connections accepted",
	})

	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_connections_rejected_total",
		Help: "Connections refused at capacity",
	})

	SlowClientsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_slow_clients_dropped_total",
		Help: "Connections closed because the outbound queue was full",
	})

	SkillCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_skill_calls_total",
		Help: "Agent tool invocations by skill and outcome",
	}, []string{"skill", "outcome"})

	PipelinesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_pipelines_active",
		Help: "Turn pipelines in a non-terminal stage",
	})

	TurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_turns_total",
		Help: "Finished turns by terminal stage",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_stage_duration_seconds",
		Help:    "Time spent in each pipeline stage",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0, 10.0},
	}, []string{"stage"})

	FirstAudioLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_first_audio_seconds",
		Help:    "Latency from final transcript to first synthesized audio chunk",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_errors_total",
		Help: "Error counts by stage",
	}, []string{"stage", "error_type"})

	AudioChunksIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_chunks_in_total",
		Help: "Inbound audio chunks forwarded to transcription",
	})

	AudioChunksOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_audio_chunks_out_total",
		Help: "Synthesized audio chunks sent to clients",
	})

	SilentChunksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_silent_chunks_skipped_total",
		Help: "All-zero inbound chunks not forwarded to transcription",
	})

	DuplicateTranscripts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_duplicate_transcripts_total",
		Help: "Final transcripts suppressed as repeats of the previous user turn",
	})
)
