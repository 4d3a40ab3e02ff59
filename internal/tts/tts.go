// Package tts implements the TTS Streamer (spec.md §4.C): chunked PCM
// playback over a double-buffered pair of on-disk WAV files, with a
// SHA-256-keyed cache of previously synthesised utterances.
//
// WAV framing is grounded on internal/audio.WritePCMWAVFile/ReadWAVFile
// (github.com/go-audio/wav + github.com/go-audio/audio), generalized from
// the teacher's one-shot internal/audio/wav.go SamplesToWAV encoder to
// support repeatedly overwriting a buffer file's contents in place. The
// alternate-buffer pacing loop is grounded on the teacher's
// streamLLMWithTTS/consumeSentences producer-consumer shape in
// internal/pipeline/pipeline.go, adapted from sentence-level pipelining to
// fixed-size chunk double buffering (calle_core/softphone.py's say method).
package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pyckup/call-e/internal/audio"
	"github.com/pyckup/call-e/internal/metrics"
	"github.com/pyckup/call-e/internal/telephony"
)

// minChunkBytes is the minimum chunk size the double buffer accumulates
// before handing a chunk to a player, per spec.md §4.C.
const minChunkBytes = 512

// Config controls chunk pacing and cache/buffer layout.
type Config struct {
	Channels     int
	SampleWidth  int // bytes per sample; 2 for 16-bit PCM
	SampleRate   int
	ChunkSize    int // target bytes per double-buffer chunk (>= minChunkBytes)
	CacheDir     string
	ArtifactsDir string
}

// DefaultConfig matches spec.md §6's softphone config defaults.
func DefaultConfig() Config {
	return Config{
		Channels:     1,
		SampleWidth:  2,
		SampleRate:   16000,
		ChunkSize:    4096,
		CacheDir:     "cache",
		ArtifactsDir: "artifacts",
	}
}

// Synthesizer streams raw 16-bit little-endian PCM for text. The channel is
// closed on completion; a synthesis failure is sent on errCh and ends the
// stream. Implementations wrap a concrete TTS provider (OpenAI-style HTTP,
// a local model) behind this single uniform contract.
type Synthesizer interface {
	StreamPCM(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Streamer is the TTS Streamer: double-buffered chunk playback plus cache.
type Streamer struct {
	cfg   Config
	synth Synthesizer
	log   *slog.Logger
}

// New constructs a Streamer over the given provider.
func New(cfg Config, synth Synthesizer) *Streamer {
	return &Streamer{cfg: cfg, synth: synth, log: slog.Default().With("component", "tts")}
}

// Say streams text to the session's active call leg. All errors — typically
// a media detach caused by the peer hanging up — terminate the operation
// without propagating past Say, per spec.md §4.C step 5.
func (s *Streamer) Say(ctx context.Context, sess *telephony.Session, sessionID, text string, cache bool) {
	if sess.Forwarded() {
		s.log.Info("in forwarding session", "session_id", sessionID)
		return
	}

	hash := sha256Hex(text)
	cachePath := filepath.Join(s.cfg.CacheDir, hash+".wav")

	if _, err := os.Stat(cachePath); err == nil {
		metrics.TTSCacheHits.Inc()
		s.playToCompletion(sess, cachePath)
		return
	}

	start := time.Now()
	pcmCh, errCh := s.synth.StreamPCM(ctx, text)
	played, err := s.streamChunks(ctx, sess, sessionID, pcmCh, errCh)
	metrics.StageDuration.WithLabelValues("synthesize").Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Errors.WithLabelValues("tts", "stream").Inc()
		s.log.Warn("tts stream terminated early", "error", err, "session_id", sessionID)
		return
	}

	if cache && len(played) > 0 {
		if err := os.MkdirAll(s.cfg.CacheDir, 0o755); err != nil {
			s.log.Warn("create cache dir", "error", err)
			return
		}
		if err := audio.WritePCMWAVFile(cachePath, played, s.cfg.Channels, s.cfg.SampleRate); err != nil {
			s.log.Warn("write tts cache", "error", err, "hash", hash)
		}
	}
}

// playToCompletion attaches a single player to the active media, plays the
// cached file to completion, then detaches — spec.md §4.C step 1.
func (s *Streamer) playToCompletion(sess *telephony.Session, path string) {
	media := sess.ActiveMedia()
	if media == nil {
		return
	}
	player, err := media.PlayFile(path, false)
	if err != nil {
		s.log.Warn("play cached tts", "error", err, "path", path)
		return
	}
	<-player.Done()
}

// streamChunks runs the alternating double-buffer loop and returns the full
// concatenated PCM that was played, for optional cache persistence.
func (s *Streamer) streamChunks(ctx context.Context, sess *telephony.Session, sessionID string, pcmCh <-chan []byte, errCh <-chan error) ([]byte, error) {
	bufPaths := [2]string{
		filepath.Join(s.cfg.ArtifactsDir, fmt.Sprintf("%s_outgoing_buffer_0.wav", sessionID)),
		filepath.Join(s.cfg.ArtifactsDir, fmt.Sprintf("%s_outgoing_buffer_1.wav", sessionID)),
	}
	if err := os.MkdirAll(s.cfg.ArtifactsDir, 0o755); err != nil {
		return nil, err
	}
	for _, p := range bufPaths {
		if err := audio.WritePCMWAVFile(p, nil, s.cfg.Channels, s.cfg.SampleRate); err != nil {
			return nil, err
		}
	}

	var players [2]telephony.PlayerHandle
	var played []byte
	cur := 0
	pending := make([]byte, 0, s.cfg.ChunkSize)

	chunkTarget := s.cfg.ChunkSize
	if chunkTarget < minChunkBytes {
		chunkTarget = minChunkBytes
	}

	emit := func(chunk []byte) error {
		other := 1 - cur
		if players[other] != nil {
			players[other].Stop()
			players[other] = nil
		}

		if err := audio.WritePCMWAVFile(bufPaths[cur], chunk, s.cfg.Channels, s.cfg.SampleRate); err != nil {
			return err
		}

		media := sess.ActiveMedia()
		if media == nil {
			return fmt.Errorf("tts: no active media")
		}
		player, err := media.PlayFile(bufPaths[cur], false)
		if err != nil {
			return err
		}
		players[cur] = player
		played = append(played, chunk...)
		cur = other
		metrics.AudioChunks.Inc()

		pacing := chunkPacing(len(chunk), s.cfg.SampleRate, s.cfg.SampleWidth, s.cfg.Channels)
		select {
		case <-time.After(pacing):
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	for {
		select {
		case chunk, ok := <-pcmCh:
			if !ok {
				if len(pending) > 0 {
					if err := emit(pending); err != nil {
						return played, err
					}
				}
				for _, p := range players {
					if p != nil {
						p.Stop()
					}
				}
				return played, nil
			}
			pending = append(pending, chunk...)
			if len(pending) >= chunkTarget {
				flush := pending
				pending = make([]byte, 0, s.cfg.ChunkSize)
				if err := emit(flush); err != nil {
					return played, err
				}
			}
		case err := <-errCh:
			if err != nil {
				return played, err
			}
		case <-ctx.Done():
			return played, ctx.Err()
		}
	}
}

// chunkPacing approximates real-time playback: chunk_bytes / (rate * width * channels) seconds.
func chunkPacing(chunkBytes, rate, width, channels int) time.Duration {
	denom := rate * width * channels
	if denom <= 0 {
		return 0
	}
	seconds := float64(chunkBytes) / float64(denom)
	return time.Duration(seconds * float64(time.Second))
}

func sha256Hex(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
