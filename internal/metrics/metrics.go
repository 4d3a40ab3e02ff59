// Package metrics publishes the process's Prometheus metrics, grounded on
// the teacher's promauto usage in internal/pipeline (same counter/gauge/
// histogram shapes, relabelled from ML-pipeline stages to call/engine
// outcomes).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CallsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "calle_calls_active",
		Help: "Currently active call sessions",
	})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calle_calls_total",
		Help: "Total calls placed or accepted, by direction",
	}, []string{"direction"})

	// StageDuration covers the ASR and TTS round-trip stages, with "stage"
	// values transcribe/synthesize in place of the teacher's ML-pipeline
	// stage names; LLM calls are not recorded here.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "calle_stage_duration_seconds",
		Help:    "Per-stage latency within one conversation turn",
		Buckets: []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.8, 1.0, 2.0, 5.0},
	}, []string{"stage"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "calle_turn_duration_seconds",
		Help:    "End-to-end latency from user speech-end to first TTS audio",
		Buckets: []float64{0.1, 0.2, 0.5, 0.8, 1.0, 1.5, 2.0, 3.0, 5.0},
	})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calle_errors_total",
		Help: "Error counts by component and error type",
	}, []string{"component", "error_type"})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calle_audio_chunks_processed_total",
		Help: "Total audio chunks processed by the TTS streamer",
	})

	SpeechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calle_vad_speech_segments_total",
		Help: "Speech segments detected by the ASR capturer's VAD",
	})

	ExtractionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calle_extraction_outcomes_total",
		Help: "Information/choice extraction chain outcomes",
	}, []string{"kind", "outcome"})

	ConversationStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "calle_conversation_status_total",
		Help: "Terminal ExtractionStatus reached by finished conversations",
	}, []string{"status"})

	TTSCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calle_tts_cache_hits_total",
		Help: "TTS synthesis requests served from the content-addressed cache",
	})
)
