// Package llm provides a uniform text-in/text-out prompt execution adapter
// over one or more chat-completion providers.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/nlpodyssey/openai-agents-go/modelsettings"
	"github.com/openai/openai-go/v2/packages/param"
)

// Error wraps a provider failure. Treated as fatal to the current engine step.
type Error struct {
	Engine string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("llm: engine %q: %v", e.Engine, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is one turn of chat history.
type Message struct {
	Role    string // "user" or "assistant"
	Content string
}

// Adapter routes prompt execution to a named provider, defaulting to a
// configured fallback engine when the requested one is not registered.
type Adapter struct {
	providers map[string]agents.ModelProvider
	models    map[string]string
	fallback  string
	engine    string
	maxTokens int
}

// New creates an Adapter that resolves to the given engine name for every
// call (registered providers are looked up by this name, falling back to
// fallback if unregistered).
func New(engine, fallback string, maxTokens int) *Adapter {
	return &Adapter{
		providers: make(map[string]agents.ModelProvider),
		models:    make(map[string]string),
		fallback:  fallback,
		engine:    engine,
		maxTokens: maxTokens,
	}
}

// Register adds a provider and its default model under the given engine name.
func (a *Adapter) Register(engine string, provider agents.ModelProvider, defaultModel string) {
	a.providers[engine] = provider
	a.models[engine] = defaultModel
}

// Run executes a single blocking prompt: a system prompt, prior chat history,
// and the current user input, returning the assistant's text.
//
// Unlike the teacher's streaming AgentLLM.Chat, Run collects the full
// response before returning — the conversation engine acts only once an LLM
// turn is complete and never needs live token deltas.
func (a *Adapter) Run(ctx context.Context, systemPrompt string, history []Message, userInput string) (string, error) {
	provider, model, err := a.resolve()
	if err != nil {
		return "", &Error{Engine: a.engine, Err: err}
	}

	agent := agents.New("assistant").
		WithInstructions(systemPrompt).
		WithModel(model).
		WithModelSettings(modelsettings.ModelSettings{
			MaxTokens: param.NewOpt(int64(a.maxTokens)),
		})

	runner := agents.Runner{Config: agents.RunConfig{
		ModelProvider:   provider,
		MaxTurns:        1,
		TracingDisabled: true,
	}}

	input := formatInput(history, userInput)

	events, errCh, err := runner.RunStreamedChan(ctx, agent, input)
	if err != nil {
		return "", &Error{Engine: a.engine, Err: fmt.Errorf("start: %w", err)}
	}

	var text strings.Builder
	for ev := range events {
		raw, ok := ev.(agents.RawResponsesStreamEvent)
		if !ok || raw.Data.Type != "response.output_text.delta" {
			continue
		}
		text.WriteString(raw.Data.Delta)
	}

	if streamErr := <-errCh; streamErr != nil {
		return "", &Error{Engine: a.engine, Err: fmt.Errorf("stream: %w", streamErr)}
	}

	return text.String(), nil
}

func (a *Adapter) resolve() (agents.ModelProvider, string, error) {
	provider, ok := a.providers[a.engine]
	model := a.models[a.engine]
	if !ok {
		provider, ok = a.providers[a.fallback]
		model = a.models[a.fallback]
	}
	if !ok {
		return nil, "", fmt.Errorf("no provider for engine %q", a.engine)
	}
	return provider, model, nil
}

// formatInput renders prior turns plus the current user input as a single
// transcript the agent runner treats as its conversational input, since
// MaxTurns: 1 means history cannot be replayed as separate SDK turns.
func formatInput(history []Message, userInput string) string {
	if len(history) == 0 {
		return userInput
	}
	var b strings.Builder
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", roleLabel(m.Role), m.Content)
	}
	if userInput != "" {
		fmt.Fprintf(&b, "%s: %s", roleLabel("user"), userInput)
	}
	return b.String()
}

func roleLabel(role string) string {
	if role == "assistant" {
		return "Assistant"
	}
	return "User"
}
