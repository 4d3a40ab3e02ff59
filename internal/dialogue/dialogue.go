// Package dialogue wires the Conversation Engine to a Telephony Session's
// say/listen operations, the shared "drive one full conversation" loop used
// by both the Softphone Pool's inbound listener workers and the
// Orchestrator's outbound campaign calls (spec.md §2's data-flow diagrams
// for both directions converge on this loop).
package dialogue

import (
	"context"
	"log/slog"

	"github.com/pyckup/call-e/internal/asr"
	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/engine"
	"github.com/pyckup/call-e/internal/functions"
	"github.com/pyckup/call-e/internal/llm"
	"github.com/pyckup/call-e/internal/metrics"
	"github.com/pyckup/call-e/internal/telephony"
	"github.com/pyckup/call-e/internal/tts"
)

// Driver runs one conversation from entry to a terminal ExtractionStatus.
type Driver struct {
	tts       *tts.Streamer
	asr       *asr.Capturer
	llm       *llm.Adapter
	functions *functions.Registry
	log       *slog.Logger
}

// New constructs a Driver over the shared TTS/ASR/LLM/plugin collaborators.
func New(ttsStreamer *tts.Streamer, asrCapturer *asr.Capturer, llmAdapter *llm.Adapter, reg *functions.Registry) *Driver {
	return &Driver{tts: ttsStreamer, asr: asrCapturer, llm: llmAdapter, functions: reg, log: slog.Default().With("component", "dialogue")}
}

// Fragment is re-exported so callers (pool/orchestrator) don't need to
// import internal/engine just to observe emitted utterances.
type Fragment = engine.Fragment

// Hooks receives both sides of a running conversation, e.g. for the
// per-call transcript log. Either callback may be nil.
type Hooks struct {
	// OnFragment is invoked with every engine-emitted fragment before it is
	// spoken.
	OnFragment func(Fragment)
	// OnUserInput is invoked with every non-empty ASR transcript of the
	// caller's speech.
	OnUserInput func(string)
}

// Run walks cfg's entry path for sess, alternating engine.Step with
// say/listen, until the engine reaches a terminal status or the call
// disappears.
func (d *Driver) Run(ctx context.Context, cfg *config.ConversationConfig, sess *telephony.Session, sessionID string, hooks Hooks) (engine.Status, map[string]*string) {
	metrics.CallsActive.Inc()
	defer metrics.CallsActive.Dec()

	eng := engine.New(cfg, d.llm, d.functions, sess)

	frags := eng.Step(ctx, "")
	for {
		for _, f := range frags {
			if hooks.OnFragment != nil {
				hooks.OnFragment(f)
			}
			d.tts.Say(ctx, sess, sessionID, f.Text, f.Kind == config.KindRead)
		}

		if eng.Status() != engine.InProgress {
			break
		}
		if !sess.HasPickedUp() {
			break
		}

		userInput := d.asr.Listen(ctx, sess, sessionID)
		if userInput == "" && !sess.HasPickedUp() {
			break
		}
		if userInput != "" && hooks.OnUserInput != nil {
			hooks.OnUserInput(userInput)
		}
		frags = eng.Step(ctx, userInput)
	}

	status := eng.Status()
	metrics.ConversationStatus.WithLabelValues(status.String()).Inc()
	return status, eng.Information()
}
