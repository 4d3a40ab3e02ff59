// Command callserver runs the supervised inbound softphone service:
// it registers the Softphone Pool against a SIP account, starts N listener
// workers for inbound calls, and exposes a Prometheus /metrics endpoint.
//
// Grounded on the teacher's cmd/gateway/main.go: the JSON-tuning-file-over-
// env-vars config split, the initASR/initLLM/initTTS wiring functions, and
// awaitShutdown's signal.Notify pattern all carry over, generalized from an
// HTTP gateway's request handlers to the Softphone Pool's listener workers.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pyckup/call-e/internal/asr"
	"github.com/pyckup/call-e/internal/audio"
	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/denoise"
	"github.com/pyckup/call-e/internal/dialogue"
	"github.com/pyckup/call-e/internal/env"
	"github.com/pyckup/call-e/internal/functions"
	"github.com/pyckup/call-e/internal/functions/demo"
	"github.com/pyckup/call-e/internal/llm"
	"github.com/pyckup/call-e/internal/pool"
	"github.com/pyckup/call-e/internal/telephony"
	"github.com/pyckup/call-e/internal/tts"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	deployCfg := config.LoadDeploymentConfig(env.Str("SOFTPHONE_CONFIG", "softphone.json"))
	creds, err := pool.LoadCredentials(env.Str("SIP_CREDENTIALS", "sip_credentials.json"))
	if err != nil {
		slog.Error("load sip credentials", "error", err)
		os.Exit(1)
	}

	convPath := env.Str("CONVERSATION_CONFIG", "conversation.yaml")
	convCfg, err := config.Load(convPath)
	if err != nil {
		slog.Error("load conversation config", "error", err, "path", convPath)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ttsStreamer := initTTS(deployCfg)
	asrCapturer := initASR(deployCfg)
	llmAdapter := initLLM()
	registry := initFunctions()

	driver := dialogue.New(ttsStreamer, asrCapturer, llmAdapter, registry)

	endpoint, err := telephony.NewSIPEndpoint(ctx, env.Str("SIP_LISTEN_ADDR", "0.0.0.0:5060"), creds.RegistrarUri, creds.Username)
	if err != nil {
		slog.Error("start sip endpoint", "error", err)
		os.Exit(1)
	}

	p := pool.New(endpoint, creds, creds.RegistrarUri, driver)
	sessionCount := envInt("SESSION_COUNT", 4)
	p.StartListening(ctx, convCfg, sessionCount)
	slog.Info("softphone pool listening", "sessions", sessionCount)

	metricsAddr := env.Str("METRICS_ADDR", ":9090")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: metricsAddr, Handler: mux}
	go func() {
		if serveErr := server.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("metrics server failed", "error", serveErr)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	_ = server.Shutdown(context.Background())
	_ = p.Close(context.Background())
}

func initTTS(deployCfg config.DeploymentConfig) *tts.Streamer {
	cfg := tts.Config{
		Channels:     deployCfg.TTSChannels,
		SampleWidth:  deployCfg.TTSSampleWidth,
		SampleRate:   deployCfg.TTSSampleRate,
		ChunkSize:    deployCfg.TTSChunkSize,
		CacheDir:     deployCfg.CacheDir,
		ArtifactsDir: deployCfg.ArtifactsDir,
	}
	synth := tts.NewHTTPSynthesizer(env.Str("TTS_URL", "http://localhost:5002"), env.Str("TTS_VOICE", "en_US-lessac-medium"), envInt("TTS_POOL_SIZE", 50))
	return tts.New(cfg, synth)
}

func initASR(deployCfg config.DeploymentConfig) *asr.Capturer {
	cfg := asr.Config{
		SilenceThresholdDB:      deployCfg.SilenceThresholdDB,
		SilenceSampleInterval:   deployCfg.SilenceSampleInterval(),
		SpeakingSampleInterval:  deployCfg.SpeakingSampleInterval(),
		UnavailableMediaTimeout: deployCfg.UnavailableMediaTimeout(),
		SampleRate:              deployCfg.TTSSampleRate,
		Codec:                   audio.Codec(deployCfg.CaptureCodec),
		ArtifactsDir:            deployCfg.ArtifactsDir,
	}
	transcriber := asr.NewHTTPTranscriber(env.Str("ASR_URL", "http://localhost:9000"), envInt("ASR_POOL_SIZE", 50))

	var denoiser *denoise.Denoiser
	if env.Str("DISABLE_DENOISE", "") == "" {
		denoiser = denoise.New()
	}
	return asr.New(cfg, transcriber, denoiser)
}

func initLLM() *llm.Adapter {
	maxTokens := envInt("LLM_MAX_TOKENS", 2048)
	adapter := llm.New("openai", "openai", maxTokens)

	openaiAPIKey := env.Str("OPENAI_API_KEY", "")
	adapter.Register("openai", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(env.Str("OPENAI_URL", "https://api.openai.com") + "/v1/"),
		APIKey:       param.NewOpt(openaiAPIKey),
		UseResponses: param.NewOpt(true),
	}), env.Str("OPENAI_MODEL", "gpt-4.1-nano"))

	if ollamaURL := env.Str("OLLAMA_URL", ""); ollamaURL != "" {
		adapter.Register("ollama", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
			BaseURL:      param.NewOpt(ollamaURL + "/v1/"),
			APIKey:       param.NewOpt("ollama"),
			UseResponses: param.NewOpt(false),
		}), env.Str("OLLAMA_MODEL", "llama3.2:3b"))
	}
	return adapter
}

func initFunctions() *functions.Registry {
	reg := functions.NewRegistry()
	demo.RegisterFibonacci(reg, env.Str("FIBONACCI_MUSIC_PATH", "samples/music.wav"))
	return reg
}

func envInt(key string, fallback int) int {
	val := env.Str(key, "")
	if val == "" {
		return fallback
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return n
}
