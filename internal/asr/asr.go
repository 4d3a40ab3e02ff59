// Package asr implements the ASR Capturer (spec.md §4.D): a two-phase
// voice-activity-gated recording loop (silence-skip, then adaptive
// speech-collect) followed by transcription.
//
// Energy computation is grounded on the teacher's internal/audio energy
// helper (audio.EnergyDB), generalized from a streaming VAD to this
// poll-and-measure recording loop. WAV export uses internal/audio's
// SamplesToWAV helper. The denoise gate mirrors
// the teacher's own G.711-skip rule for RNNoise in
// internal/pipeline/pipeline.go's runFullPipeline.
package asr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pyckup/call-e/internal/audio"
	"github.com/pyckup/call-e/internal/denoise"
	"github.com/pyckup/call-e/internal/metrics"
	"github.com/pyckup/call-e/internal/telephony"
)

// Sentinels returned by Listen per spec.md §4.D.
const (
	Interrupted = "##INTERRUPTED##"
)

var (
	errSessionGone  = errors.New("asr: session media gone")
	errRecordFailed = errors.New("asr: recording failed")
)

// Config controls the silence-skip/speech-collect thresholds and the
// session's negotiated capture codec.
type Config struct {
	SilenceThresholdDB      float64
	SilenceSampleInterval   time.Duration
	SpeakingSampleInterval  time.Duration
	UnavailableMediaTimeout time.Duration // default 60s
	SampleRate              int
	Codec                   audio.Codec
	ArtifactsDir            string
}

// DefaultConfig matches spec.md §4.D's documented defaults.
func DefaultConfig() Config {
	return Config{
		SilenceThresholdDB:      -35,
		SilenceSampleInterval:   500 * time.Millisecond,
		SpeakingSampleInterval:  1 * time.Second,
		UnavailableMediaTimeout: 60 * time.Second,
		SampleRate:              16000,
		Codec:                   audio.CodecPCM,
		ArtifactsDir:            "artifacts",
	}
}

// Transcriber sends captured audio to a speech-to-text provider.
type Transcriber interface {
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Capturer is the ASR Capturer.
type Capturer struct {
	cfg         Config
	transcriber Transcriber
	denoiser    *denoise.Denoiser
	log         *slog.Logger
}

// New constructs a Capturer. denoiser may be nil to disable noise suppression.
func New(cfg Config, transcriber Transcriber, denoiser *denoise.Denoiser) *Capturer {
	return &Capturer{cfg: cfg, transcriber: transcriber, denoiser: denoiser, log: slog.Default().With("component", "asr")}
}

// Listen runs the two-phase capture loop and returns the transcript.
func (c *Capturer) Listen(ctx context.Context, sess *telephony.Session, sessionID string) string {
	incomingPath := filepath.Join(c.cfg.ArtifactsDir, sessionID+"_incoming.wav")

	firstSpeech, err := c.silenceSkip(ctx, sess, incomingPath)
	if err != nil {
		return c.sentinelFor(err)
	}
	metrics.SpeechSegments.Inc()

	accumulated, err := c.speechCollect(ctx, sess, incomingPath, firstSpeech)
	if err != nil {
		return c.sentinelFor(err)
	}

	// G.711 arrives at 8 kHz, too low for RNNoise; only PCM captures at the
	// full sample rate go through noise suppression.
	if c.cfg.Codec == audio.CodecPCM && c.denoiser != nil {
		accumulated = c.denoiser.Denoise(accumulated)
	}

	combinedPath := filepath.Join(c.cfg.ArtifactsDir, sessionID+"_incoming_combined.wav")
	if err := os.WriteFile(combinedPath, audio.SamplesToWAV(accumulated, c.cfg.SampleRate), 0o644); err != nil {
		c.log.Warn("write combined capture", "error", err)
	}

	start := time.Now()
	text, err := c.transcriber.Transcribe(ctx, accumulated, c.cfg.SampleRate)
	metrics.StageDuration.WithLabelValues("transcribe").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Errors.WithLabelValues("asr", "transcribe").Inc()
		c.log.Error("transcribe failed", "error", err, "session_id", sessionID)
		return ""
	}
	return text
}

func (c *Capturer) sentinelFor(err error) string {
	if errors.Is(err, errSessionGone) {
		return ""
	}
	return Interrupted
}

// silenceSkip repeatedly records SilenceSampleInterval slices until one
// crosses SilenceThresholdDB, returning that first speech slice's samples.
func (c *Capturer) silenceSkip(ctx context.Context, sess *telephony.Session, path string) ([]float32, error) {
	for {
		samples, err := c.recordSlice(ctx, sess, path, c.cfg.SilenceSampleInterval)
		if err != nil {
			return nil, err
		}
		if audio.EnergyDB(samples) >= c.cfg.SilenceThresholdDB {
			return samples, nil
		}
	}
}

// speechCollect accumulates SpeakingSampleInterval slices with an adaptive
// threshold (active = last slice's dBFS - 5) until a slice falls below it.
func (c *Capturer) speechCollect(ctx context.Context, sess *telephony.Session, path string, firstSlice []float32) ([]float32, error) {
	accumulated := append([]float32(nil), firstSlice...)
	active := audio.EnergyDB(firstSlice) - 5

	for {
		samples, err := c.recordSlice(ctx, sess, path, c.cfg.SpeakingSampleInterval)
		if err != nil {
			return nil, err
		}
		accumulated = append(accumulated, samples...)
		lastDB := audio.EnergyDB(samples)
		if lastDB < active {
			return accumulated, nil
		}
		active = lastDB - 5
	}
}

// recordSlice records one duration-long slice into path, retrying at 1Hz
// while media is inactive (on hold) up to UnavailableMediaTimeout before
// giving up, per spec.md §4.D.
func (c *Capturer) recordSlice(ctx context.Context, sess *telephony.Session, path string, duration time.Duration) ([]float32, error) {
	deadline := time.Now().Add(c.cfg.UnavailableMediaTimeout)
	for {
		if sess.Forwarded() {
			return nil, errSessionGone
		}
		media := sess.ActiveMedia()
		if media == nil {
			return nil, errSessionGone
		}
		if media.Active() {
			break
		}
		if time.Now().After(deadline) {
			return nil, errRecordFailed
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRecordFailed, err)
	}
	media := sess.ActiveMedia()
	if media == nil {
		f.Close()
		return nil, errSessionGone
	}
	recErr := media.Record(f, duration)
	f.Close()
	if recErr != nil {
		return nil, fmt.Errorf("%w: %v", errRecordFailed, recErr)
	}

	samples, err := c.decodeCapture(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errRecordFailed, err)
	}
	return samples, nil
}

// decodeCapture converts one recorded slice into samples at the configured
// sample rate. PCM captures are WAV-framed by the recorder; G.711 captures
// are raw 8 kHz payload dumps that get decoded and upsampled.
func (c *Capturer) decodeCapture(path string) ([]float32, error) {
	if c.cfg.Codec == audio.CodecPCM {
		pcm, err := audio.ReadWAVFile(path)
		if err != nil {
			return nil, err
		}
		samples, _, err := audio.Decode(pcm, audio.CodecPCM, c.cfg.SampleRate)
		return samples, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	samples, rate, err := audio.Decode(raw, c.cfg.Codec, c.cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	return audio.Resample(samples, rate, c.cfg.SampleRate), nil
}
