// Command calldial places one-off outbound calls or runs a campaign sweep
// over the contacts store, grounded on cmd/seed/main.go's flag-based CLI
// shape (flag.String with an envOr fallback, slog JSON logging, no
// interactive prompts).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"

	"github.com/pyckup/call-e/internal/asr"
	"github.com/pyckup/call-e/internal/audio"
	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/denoise"
	"github.com/pyckup/call-e/internal/dialogue"
	"github.com/pyckup/call-e/internal/functions"
	"github.com/pyckup/call-e/internal/functions/demo"
	"github.com/pyckup/call-e/internal/llm"
	"github.com/pyckup/call-e/internal/orchestrator"
	"github.com/pyckup/call-e/internal/pool"
	"github.com/pyckup/call-e/internal/store"
	"github.com/pyckup/call-e/internal/telephony"
	"github.com/pyckup/call-e/internal/tts"
)

func main() {
	number := flag.String("number", "", "one-off dial: phone number (mutually exclusive with --campaign/--contact-id)")
	contactID := flag.Int64("contact-id", 0, "dial a single stored contact by id")
	campaign := flag.Bool("campaign", false, "sweep every NOT_REACHED contact (or --ids)")
	ids := flag.String("ids", "", "comma-separated contact ids for --campaign (default: all)")
	maxAttempts := flag.Int("max-attempts", 0, "skip contacts with num_attempts >= this (0 = unbounded)")
	enableLogging := flag.Bool("log-transcript", true, "write a per-call transcript to logs/{title}_{id}.log")
	convPath := flag.String("config", envOr("CONVERSATION_CONFIG", "conversation.yaml"), "conversation YAML path")
	dbPath := flag.String("db", envOr("CONTACTS_DB", "contacts.db"), "contacts SQLite database path")
	sipCredsPath := flag.String("sip-credentials", envOr("SIP_CREDENTIALS", "sip_credentials.json"), "SIP account credentials JSON path")
	deployPath := flag.String("softphone-config", envOr("SOFTPHONE_CONFIG", "softphone.json"), "softphone deployment config JSON path")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if *number == "" && *contactID == 0 && !*campaign {
		fmt.Fprintln(os.Stderr, "usage: calldial --number +15551234567 | --contact-id 1 | --campaign [--ids 1,2,3] [--max-attempts 3]")
		os.Exit(1)
	}

	convCfg, err := config.Load(*convPath)
	if err != nil {
		slog.Error("load conversation config", "error", err)
		os.Exit(1)
	}

	creds, err := pool.LoadCredentials(*sipCredsPath)
	if err != nil {
		slog.Error("load sip credentials", "error", err)
		os.Exit(1)
	}

	deployCfg := config.LoadDeploymentConfig(*deployPath)

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open contacts db", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()

	endpoint, err := telephony.NewSIPEndpoint(ctx, envOr("SIP_LISTEN_ADDR", "0.0.0.0:0"), creds.RegistrarUri, creds.Username)
	if err != nil {
		slog.Error("start sip endpoint", "error", err)
		os.Exit(1)
	}
	defer endpoint.Close()

	driver := dialogue.New(initTTS(deployCfg), initASR(deployCfg), initLLM(), initFunctions())
	newSession := func() *telephony.Session { return telephony.New(creds.RegistrarUri) }
	orch := orchestrator.New(st, driver, newSession, endpoint.Dial)

	switch {
	case *number != "":
		status, info, callErr := orch.CallNumber(ctx, *number, convCfg)
		if callErr != nil {
			slog.Error("call number failed", "error", callErr)
			os.Exit(1)
		}
		slog.Info("call finished", "number", *number, "status", status, "information", info)

	case *contactID != 0:
		status, callErr := orch.CallContact(ctx, *contactID, convCfg, *enableLogging)
		if callErr != nil {
			slog.Error("call contact failed", "error", callErr)
			os.Exit(1)
		}
		slog.Info("call finished", "contact_id", *contactID, "status", status)

	case *campaign:
		var idList []int64
		if *ids != "" {
			idList = parseIDs(*ids)
		}
		if err := orch.CallContacts(ctx, convCfg, idList, *maxAttempts, *enableLogging); err != nil {
			slog.Error("campaign failed", "error", err)
			os.Exit(1)
		}
		slog.Info("campaign finished")
	}
}

func parseIDs(s string) []int64 {
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			slog.Warn("skipping malformed id", "value", p)
			continue
		}
		out = append(out, n)
	}
	return out
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
	synth := tts.NewHTTPSynthesizer(envOr("TTS_URL", "http://localhost:5002"), envOr("TTS_VOICE", "en_US-lessac-medium"), 4)
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
	transcriber := asr.NewHTTPTranscriber(envOr("ASR_URL", "http://localhost:9000"), 4)

	var denoiser *denoise.Denoiser
	if envOr("DISABLE_DENOISE", "") == "" {
		denoiser = denoise.New()
	}
	return asr.New(cfg, transcriber, denoiser)
}

func initLLM() *llm.Adapter {
	adapter := llm.New("openai", "openai", 2048)
	adapter.Register("openai", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(envOr("OPENAI_URL", "https://api.openai.com") + "/v1/"),
		APIKey:       param.NewOpt(envOr("OPENAI_API_KEY", "")),
		UseResponses: param.NewOpt(true),
	}), envOr("OPENAI_MODEL", "gpt-4.1-nano"))
	return adapter
}

func initFunctions() *functions.Registry {
	reg := functions.NewRegistry()
	demo.RegisterFibonacci(reg, envOr("FIBONACCI_MUSIC_PATH", "samples/music.wav"))
	return reg
}

func envOr(key, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
