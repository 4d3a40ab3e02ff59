// Package engine implements the conversation engine: a deterministic walker
// over a graph of scripted conversation items that interleaves scripted
// speech, LLM-generated prompts, information capture, user choice, plugin
// function calls, and path splicing, governed by an overall extraction
// status.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/functions"
	"github.com/pyckup/call-e/internal/llm"
)

// Status mirrors spec.md's ExtractionStatus: monotonic except that entering
// the aborted path never overwrites a prior Completed.
type Status int

const (
	InProgress Status = iota
	Completed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Completed:
		return "COMPLETED"
	case Aborted:
		return "ABORTED"
	default:
		return "IN_PROGRESS"
	}
}

// Fragment is one uttered piece of engine output, tagged with the item kind
// that produced it so the caller (dialogue.Driver) can decide
// per-fragment TTS caching — only "read" fragments are cacheable.
type Fragment struct {
	Text string
	Kind config.ItemKind
}

// Engine walks one conversation instance for a single call. It is not safe
// for concurrent Step calls — only one step runs at a time per spec.md §5 —
// but the extraction filter goroutine it spawns may write into information
// concurrently with the walker continuing to the next item.
type Engine struct {
	cfg     *config.ConversationConfig
	paths   map[string][]*config.ConversationItem
	items   []*config.ConversationItem
	current *config.ConversationItem

	history []llm.Message
	info    map[string]*string
	infoMu  sync.Mutex
	status  Status

	llmAdapter llmRunner
	functions  *functions.Registry
	session    functions.SessionHandle

	log *slog.Logger
}

// llmRunner is the single method the walker needs from *llm.Adapter.
// Accepting the interface rather than the concrete type lets tests drive the
// walker with a canned responder instead of a real model provider.
type llmRunner interface {
	Run(ctx context.Context, systemPrompt string, history []llm.Message, userInput string) (string, error)
}

// New constructs an engine from a conversation config, deep-copying its
// paths so the walker may destructively consume its queue without mutating
// the shared template.
func New(cfg *config.ConversationConfig, llmAdapter llmRunner, reg *functions.Registry, session functions.SessionHandle) *Engine {
	e := &Engine{
		cfg:        cfg,
		paths:      config.ClonePaths(cfg.Paths),
		info:       make(map[string]*string),
		llmAdapter: llmAdapter,
		functions:  reg,
		session:    session,
		log:        slog.Default().With("conversation", cfg.Title),
	}
	e.loadPath(config.PathEntry)
	return e
}

func (e *Engine) loadPath(name string) {
	e.items = e.paths[name]
	e.current, e.items = popFront(e.items)
}

func popFront(items []*config.ConversationItem) (*config.ConversationItem, []*config.ConversationItem) {
	if len(items) == 0 {
		return nil, items
	}
	return items[0], items[1:]
}

// Status returns the current extraction status.
func (e *Engine) Status() Status { return e.status }

// Information returns a snapshot of extracted fields, serialised against the
// extraction filter goroutine.
func (e *Engine) Information() map[string]*string {
	e.infoMu.Lock()
	defer e.infoMu.Unlock()
	out := make(map[string]*string, len(e.info))
	for k, v := range e.info {
		out[k] = v
	}
	return out
}

// Step appends user_input to history and processes items until it is time to
// wait for the next user input. A terminal status makes every further Step
// call a no-op, per spec.md invariant 1.
func (e *Engine) Step(ctx context.Context, userInput string) []Fragment {
	if e.status != InProgress {
		return nil
	}
	return e.process(ctx, userInput, true, false)
}

// process is the walker loop shared by Step and the internal re-entries that
// follow extraction-chain branches (information success, choice success,
// abort) with appendInput=false.
func (e *Engine) process(ctx context.Context, userInput string, appendInput, aborted bool) []Fragment {
	if appendInput {
		e.history = append(e.history, llm.Message{Role: "user", Content: userInput})
	}

	var frags []Fragment

	for {
		if e.current == nil {
			e.finishQueue(aborted)
			return frags
		}

		switch e.current.Type {
		case config.KindRead:
			text := e.current.Text + "\n"
			frags = append(frags, Fragment{Text: text, Kind: config.KindRead})
			e.history = append(e.history, llm.Message{Role: "assistant", Content: text})

		case config.KindPrompt:
			text := e.runPrompt(ctx, e.current.Prompt) + "\n"
			frags = append(frags, Fragment{Text: text, Kind: config.KindPrompt})
			e.history = append(e.history, llm.Message{Role: "assistant", Content: text})

		case config.KindPath:
			e.items = e.paths[e.current.Path]

		case config.KindInformation:
			return append(frags, e.runInformationChain(ctx, userInput)...)

		case config.KindChoice:
			return append(frags, e.runChoiceChain(ctx, userInput)...)

		case config.KindFunction:
			e.awaitInformation()
			text, err := e.functions.Call(e.current.Module, e.current.Function, e.info, e.session)
			if err != nil {
				e.log.Error("function call failed", "module", e.current.Module, "function", e.current.Function, "error", err)
				text = ""
			}
			frags = append(frags, Fragment{Text: text, Kind: config.KindFunction})

		case config.KindFunctionChoice:
			e.awaitInformation()
			choice, err := e.functions.Call(e.current.Module, e.current.Function, e.info, e.session)
			if err != nil {
				e.log.Error("function_choice call failed", "module", e.current.Module, "function", e.current.Function, "error", err)
				choice = ""
			}
			opt, ok := e.current.Options[choice]
			if !ok {
				e.log.Warn("function_choice returned unknown option", "choice", choice)
				e.items = nil
			} else {
				e.items = opt.Items
			}
		}

		if !e.advance(aborted) {
			return frags
		}
	}
}

// advance moves to the next item after a non-breaking item was processed.
// Returns false if the walker should stop (interactive suspension or queue
// exhaustion, both already handled by the caller before returning).
func (e *Engine) advance(aborted bool) bool {
	wasInteractive := e.current.Interactive
	if len(e.items) == 0 {
		e.current = nil
		e.finishQueue(aborted)
		return false
	}
	e.current, e.items = popFront(e.items)
	return !wasInteractive
}

// finishQueue marks the conversation complete when the queue empties outside
// the aborted path. Entering aborted never overwrites a prior Completed or
// sets a new terminal state on exhaustion of the aborted path itself.
func (e *Engine) finishQueue(aborted bool) {
	if !aborted && e.status == InProgress {
		e.status = Completed
	}
}

// awaitInformation blocks until any in-flight extraction filter goroutine has
// released the information mutex, establishing the happens-before barrier
// spec.md §5 requires before Function/FunctionChoice items read information.
func (e *Engine) awaitInformation() {
	e.infoMu.Lock()
	e.infoMu.Unlock()
}

func (e *Engine) runPrompt(ctx context.Context, systemPrompt string) string {
	text, err := e.llmAdapter.Run(ctx, systemPrompt, e.history, "")
	if err != nil {
		e.log.Error("prompt execution failed", "error", err)
		return ""
	}
	return text
}
