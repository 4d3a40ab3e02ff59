package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

// DeploymentConfig holds the softphone tuning knobs spec.md §6 documents as
// deployment-time configuration rather than conversation-graph content,
// loaded the way the teacher's cmd/gateway/main.go loadTuning reads
// gateway.json over hardcoded defaults.
type DeploymentConfig struct {
	TTSChannels              int     `json:"tts_channels"`
	TTSSampleWidth           int     `json:"tts_sample_width"`
	TTSSampleRate            int     `json:"tts_sample_rate"`
	TTSChunkSize             int     `json:"tts_chunk_size"`
	SilenceThresholdDB       float64 `json:"silence_threshold_db"`
	SilenceSampleIntervalMs  int     `json:"silence_sample_interval_ms"`
	SpeakingSampleIntervalMs int     `json:"speaking_sample_interval_ms"`
	UnavailableMediaTimeoutS int     `json:"unavailable_media_timeout_s"`
	CaptureCodec             string  `json:"capture_codec"` // pcm, g711_ulaw, g711_alaw
	CacheDir                 string  `json:"cache_dir"`
	ArtifactsDir             string  `json:"artifacts_dir"`
}

// DefaultDeploymentConfig matches spec.md §6's documented softphone defaults.
func DefaultDeploymentConfig() DeploymentConfig {
	return DeploymentConfig{
		TTSChannels:              1,
		TTSSampleWidth:           2,
		TTSSampleRate:            16000,
		TTSChunkSize:             4096,
		SilenceThresholdDB:       -35,
		SilenceSampleIntervalMs:  500,
		SpeakingSampleIntervalMs: 1000,
		UnavailableMediaTimeoutS: 60,
		CaptureCodec:             "pcm",
		CacheDir:                 "cache",
		ArtifactsDir:             "artifacts",
	}
}

// LoadDeploymentConfig reads path if present, falling back to defaults on a
// missing file or decode error, logging either way.
func LoadDeploymentConfig(path string) DeploymentConfig {
	cfg := DefaultDeploymentConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Info("no softphone config file, using defaults", "path", path)
		return cfg
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		slog.Warn("bad softphone config file, using defaults", "path", path, "error", err)
		return DefaultDeploymentConfig()
	}
	slog.Info("loaded softphone config", "path", path)
	return cfg
}

func (c DeploymentConfig) SilenceSampleInterval() time.Duration {
	return time.Duration(c.SilenceSampleIntervalMs) * time.Millisecond
}

func (c DeploymentConfig) SpeakingSampleInterval() time.Duration {
	return time.Duration(c.SpeakingSampleIntervalMs) * time.Millisecond
}

func (c DeploymentConfig) UnavailableMediaTimeout() time.Duration {
	return time.Duration(c.UnavailableMediaTimeoutS) * time.Second
}
