package engine_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/engine"
	"github.com/pyckup/call-e/internal/functions"
	"github.com/pyckup/call-e/internal/llm"
)

// fakeLLM returns a scripted verdict for each call, in order, cycling the
// last entry once exhausted. It also records every system prompt it saw so
// tests can assert on what the walker asked.
type fakeLLM struct {
	mu      sync.Mutex
	verdict []string
	calls   int
	prompts []string
}

func (f *fakeLLM) Run(_ context.Context, systemPrompt string, _ []llm.Message, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, systemPrompt)
	if f.calls >= len(f.verdict) {
		f.calls++
		return f.verdict[len(f.verdict)-1], nil
	}
	v := f.verdict[f.calls]
	f.calls++
	return v, nil
}

func parseConfig(t *testing.T, yaml string) *config.ConversationConfig {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

const readOnlyYAML = `
conversation_title: greeting
conversation_paths:
  entry:
    - type: read
      text: "Hello there."
  aborted: []
`

func TestStep_ReadToCompletion(t *testing.T) {
	cfg := parseConfig(t, readOnlyYAML)
	eng := engine.New(cfg, &fakeLLM{}, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "")
	if len(frags) != 1 || frags[0].Text != "Hello there.\n" {
		t.Fatalf("Step() = %+v, want single read fragment", frags)
	}
	if eng.Status() != engine.Completed {
		t.Fatalf("Status() = %v, want Completed", eng.Status())
	}
}

func TestStep_TerminalStatusIsNoOp(t *testing.T) {
	cfg := parseConfig(t, readOnlyYAML)
	eng := engine.New(cfg, &fakeLLM{}, functions.NewRegistry(), nil)
	eng.Step(context.Background(), "")
	if eng.Status() != engine.Completed {
		t.Fatalf("Status() after first Step = %v, want Completed", eng.Status())
	}

	frags := eng.Step(context.Background(), "anything")
	if frags != nil {
		t.Errorf("Step() on terminal engine = %+v, want nil", frags)
	}
}

const informationYAML = `
conversation_title: appointment
conversation_paths:
  entry:
    - type: information
      title: Confirmed
      description: whether the patient confirmed
      format: YES or NO
      interactive: true
    - type: read
      text: "Thanks, bye."
  aborted:
    - type: read
      text: "Sorry to hear that."
`

func TestInformationChain_Success(t *testing.T) {
	cfg := parseConfig(t, informationYAML)
	llmFake := &fakeLLM{verdict: []string{"YES", "confirmed"}}
	eng := engine.New(cfg, llmFake, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "yes I'll be there")
	if len(frags) != 1 || frags[0].Text != "Thanks, bye.\n" {
		t.Fatalf("Step() = %+v, want the read item past the information item", frags)
	}
	if eng.Status() != engine.Completed {
		t.Fatalf("Status() = %v, want Completed", eng.Status())
	}

	// The extraction filter runs fire-and-forget; give it a moment then read
	// the snapshot through the info mutex, per awaitInformation's barrier.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v := eng.Information()["confirmed"]; v != nil {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("extraction filter never populated Information()")
}

func TestInformationChain_Elicit(t *testing.T) {
	cfg := parseConfig(t, informationYAML)
	llmFake := &fakeLLM{verdict: []string{"NO"}}
	eng := engine.New(cfg, llmFake, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "huh?")
	if len(frags) != 1 || frags[0].Kind != config.KindInformation {
		t.Fatalf("Step() = %+v, want a re-elicit fragment", frags)
	}
	if eng.Status() != engine.InProgress {
		t.Fatalf("Status() = %v, want InProgress after elicit", eng.Status())
	}
}

func TestInformationChain_Abort(t *testing.T) {
	cfg := parseConfig(t, informationYAML)
	llmFake := &fakeLLM{verdict: []string{"ABORT"}}
	eng := engine.New(cfg, llmFake, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "leave me alone")
	if len(frags) != 1 || !strings.Contains(frags[0].Text, "Sorry to hear that") {
		t.Fatalf("Step() = %+v, want the aborted path's read item", frags)
	}
	if eng.Status() != engine.Aborted {
		t.Fatalf("Status() = %v, want Aborted", eng.Status())
	}
}

const choiceYAML = `
conversation_title: routing
conversation_paths:
  entry:
    - type: choice
      choice: "confirm or cancel?"
      options:
        confirm:
          items:
            - type: read
              text: "Confirmed."
        cancel:
          items:
            - type: read
              text: "Cancelled."
  aborted:
    - type: read
      text: "Taking that as a no."
`

func TestChoiceChain_Success(t *testing.T) {
	cfg := parseConfig(t, choiceYAML)
	llmFake := &fakeLLM{verdict: []string{"confirm"}}
	eng := engine.New(cfg, llmFake, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "confirm please")
	if len(frags) != 1 || frags[0].Text != "Confirmed.\n" {
		t.Fatalf("Step() = %+v, want the confirm branch's read item", frags)
	}
	if eng.Status() != engine.Completed {
		t.Fatalf("Status() = %v, want Completed", eng.Status())
	}
}

func TestChoiceChain_NoneElicits(t *testing.T) {
	cfg := parseConfig(t, choiceYAML)
	llmFake := &fakeLLM{verdict: []string{"##NONE##"}}
	eng := engine.New(cfg, llmFake, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "what were the options again")
	if len(frags) != 1 || frags[0].Kind != config.KindChoice {
		t.Fatalf("Step() = %+v, want a re-elicit fragment", frags)
	}
	if eng.Status() != engine.InProgress {
		t.Fatalf("Status() = %v, want InProgress", eng.Status())
	}
}

func TestChoiceChain_AbortSentinel(t *testing.T) {
	cfg := parseConfig(t, choiceYAML)
	llmFake := &fakeLLM{verdict: []string{"##ABORT##"}}
	eng := engine.New(cfg, llmFake, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "stop calling me")
	if len(frags) != 1 || !strings.Contains(frags[0].Text, "Taking that as a no") {
		t.Fatalf("Step() = %+v, want the aborted path's read item", frags)
	}
	if eng.Status() != engine.Aborted {
		t.Fatalf("Status() = %v, want Aborted", eng.Status())
	}
}

const functionYAML = `
conversation_title: lookup
conversation_paths:
  entry:
    - type: function
      module: demo
      function: greet
    - type: read
      text: "Done."
  aborted: []
`

func TestFunctionItem_CallsRegisteredCallback(t *testing.T) {
	cfg := parseConfig(t, functionYAML)
	reg := functions.NewRegistry()
	var gotSession functions.SessionHandle
	reg.Register("demo", "greet", func(info map[string]*string, session functions.SessionHandle) (string, error) {
		gotSession = session
		return "Hi from demo.", nil
	})

	eng := engine.New(cfg, &fakeLLM{}, reg, "session-handle")
	frags := eng.Step(context.Background(), "")

	if len(frags) != 2 || frags[0].Text != "Hi from demo." {
		t.Fatalf("Step() = %+v, want function output followed by the read item", frags)
	}
	if gotSession != "session-handle" {
		t.Errorf("callback received session %v, want %q", gotSession, "session-handle")
	}
	if eng.Status() != engine.Completed {
		t.Fatalf("Status() = %v, want Completed", eng.Status())
	}
}

func TestFunctionItem_UnregisteredCallbackYieldsEmptyText(t *testing.T) {
	cfg := parseConfig(t, functionYAML)
	eng := engine.New(cfg, &fakeLLM{}, functions.NewRegistry(), nil)

	frags := eng.Step(context.Background(), "")
	if len(frags) != 2 || frags[0].Text != "" {
		t.Fatalf("Step() = %+v, want an empty fragment for the missing callback", frags)
	}
}
