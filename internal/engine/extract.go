package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/llm"
	"github.com/pyckup/call-e/internal/metrics"
)

const (
	verifyInfoSystemPrompt = `Check if the last user message contains the required information.
If the information was provided, output the single word 'YES'. If not, output the single word 'NO'.
If the user appears to feel uncomfortable, output 'ABORT'. But don't abort without reason. Don't
output anything but YES, NO or ABORT. Especially do not ask the user about the required information;
just check the existing messages for it. If the last message is empty or nonsense, output 'NO'`

	filterInfoSystemPrompt = `Your job is to filter out a certain piece of information from the user
message. You will be given the description of the information and the format in which the data
should be returned. Just output the filtered data without any extra text. If the data is not
contained in the message, output '##FAILED##'`

	elicitInfoSystemPrompt = `Extract different pieces of information from the user. Have a casual
conversation tone but stay on topic. If the user deviates from the topic of the information you
want to have, gently guide them back to the topic. If the user answers gibberish or something
unrelated, ask them to repeat IN A FULL SENTENCE. Be brief. Use the language in which the required
information is given.`

	verifyChoiceSystemPrompt = `The user was given a choice between multiple options. Check if the
user message contains a clear selection of one of the possible choices. If so, output the choice
(as it was given in possible choices). If not, output '##NONE##'. If the user appears to feel
uncomfortable, output '##ABORT##'. Don't output anything but the choice or ##NONE## or ##ABORT##.
If you output the choice, it has to be the exact same format as in the possible choices. If the
user provides no message, output ##NONE##.`

	elicitChoiceSystemPrompt = `Ask the user for a choice between multiple options. The type of
choice is given by the choice prompt. If the choices are yes or no, don't say so because that's
obvious. If the user deviates from the topic of the choice, gently guide them back to the topic.
If the user answers gibberish or something unrelated, ask them to repeat IN A FULL SENTENCE. Be
brief. Use the language in which the choice prompt is given.`

	failedSentinel = "##FAILED##"
	noneSentinel   = "##NONE##"
	abortSentinel  = "##ABORT##"
)

// runInformationChain is the Information Extraction Chain: verify, then
// branch into success (spawn filter, advance), elicit (casual redirect), or
// abort (splice the aborted path).
func (e *Engine) runInformationChain(ctx context.Context, userInput string) []Fragment {
	item := e.current
	prompt := fmt.Sprintf("%s\n\nRequired information: %s", verifyInfoSystemPrompt, item.Description)
	verdict, err := e.llmAdapter.Run(ctx, prompt, e.history, userInput)
	if err != nil {
		e.log.Error("verify information failed", "error", err)
		return e.abort(ctx, userInput)
	}
	verdict = strings.TrimSpace(verdict)

	switch verdict {
	case "YES":
		metrics.ExtractionOutcomes.WithLabelValues("information", "success").Inc()
		return e.informationSuccess(ctx, userInput, item)
	case "NO":
		metrics.ExtractionOutcomes.WithLabelValues("information", "elicit").Inc()
		return e.informationElicit(ctx, item)
	default:
		metrics.ExtractionOutcomes.WithLabelValues("information", "abort").Inc()
		return e.abort(ctx, userInput)
	}
}

// informationSuccess spawns the fire-and-forget extraction filter, advances
// past the current item (or marks the conversation Completed if no item
// remains), and re-enters the walker with appendInput=false.
func (e *Engine) informationSuccess(ctx context.Context, userInput string, item *config.ConversationItem) []Fragment {
	e.spawnFilter(userInput, item)

	if len(e.items) == 0 {
		if e.status == InProgress {
			e.status = Completed
		}
		return nil
	}
	e.current, e.items = popFront(e.items)
	return e.process(ctx, userInput, false, false)
}

// spawnFilter runs the extraction filter in its own goroutine. It is
// fire-and-forget: its completion is observed only at the next info-mutex
// acquisition (awaitInformation, Information snapshot), never on the
// walker's critical path.
func (e *Engine) spawnFilter(userInput string, item *config.ConversationItem) {
	history := append([]llm.Message(nil), e.history...)
	title := item.Title
	description := item.Description
	format := item.Format

	go func() {
		prompt := fmt.Sprintf("%s\n\nInformation description: %s\nInformation format: %s",
			filterInfoSystemPrompt, description, format)
		result, err := e.llmAdapter.Run(context.Background(), prompt, history, userInput)
		if err != nil {
			e.log.Error("filter information failed", "title", title, "error", err)
			result = failedSentinel
		}
		result = strings.TrimSpace(result)

		e.infoMu.Lock()
		defer e.infoMu.Unlock()
		if result == failedSentinel {
			e.info[title] = nil
		} else {
			v := result
			e.info[title] = &v
		}
	}()
}

func (e *Engine) informationElicit(ctx context.Context, item *config.ConversationItem) []Fragment {
	prompt := fmt.Sprintf("%s\n\nInformation you want to have: %s", elicitInfoSystemPrompt, item.Description)
	text, err := e.llmAdapter.Run(ctx, prompt, e.history, "")
	if err != nil {
		e.log.Error("elicit information failed", "error", err)
		text = ""
	}
	e.history = append(e.history, llm.Message{Role: "assistant", Content: text})
	return []Fragment{{Text: text, Kind: config.KindInformation}}
}

// runChoiceChain is the Choice Extraction Chain: verify against the option
// keys, then branch into success (splice options[key]), elicit, or abort.
func (e *Engine) runChoiceChain(ctx context.Context, userInput string) []Fragment {
	item := e.current
	optionNames := make([]string, 0, len(item.Options))
	for k := range item.Options {
		optionNames = append(optionNames, k)
	}
	prompt := fmt.Sprintf("%s\n\nChoice prompt: %s, Possible choices: %s",
		verifyChoiceSystemPrompt, item.Choice, strings.Join(optionNames, ", "))
	choice, err := e.llmAdapter.Run(ctx, prompt, e.history, userInput)
	if err != nil {
		e.log.Error("verify choice failed", "error", err)
		return e.abort(ctx, userInput)
	}
	choice = strings.TrimSpace(choice)

	switch choice {
	case noneSentinel:
		metrics.ExtractionOutcomes.WithLabelValues("choice", "elicit").Inc()
		return e.choiceElicit(ctx, item, optionNames)
	case abortSentinel:
		metrics.ExtractionOutcomes.WithLabelValues("choice", "abort").Inc()
		return e.abort(ctx, userInput)
	default:
		opt, ok := item.Options[choice]
		if !ok {
			metrics.ExtractionOutcomes.WithLabelValues("choice", "elicit").Inc()
			return e.choiceElicit(ctx, item, optionNames)
		}
		metrics.ExtractionOutcomes.WithLabelValues("choice", "success").Inc()
		return e.choiceSuccess(ctx, userInput, opt)
	}
}

func (e *Engine) choiceSuccess(ctx context.Context, userInput string, opt config.ChoiceOption) []Fragment {
	e.items = opt.Items
	e.current, e.items = popFront(e.items)
	return e.process(ctx, userInput, false, false)
}

func (e *Engine) choiceElicit(ctx context.Context, item *config.ConversationItem, optionNames []string) []Fragment {
	prompt := fmt.Sprintf("%s\n\nChoice prompt: %s, Possible choices: %s",
		elicitChoiceSystemPrompt, item.Choice, strings.Join(optionNames, ", "))
	text, err := e.llmAdapter.Run(ctx, prompt, e.history, "")
	if err != nil {
		e.log.Error("elicit choice failed", "error", err)
		text = ""
	}
	e.history = append(e.history, llm.Message{Role: "assistant", Content: text})
	return []Fragment{{Text: text, Kind: config.KindChoice}}
}

// abort sets status Aborted, splices the aborted path, and re-enters the
// walker. Queue exhaustion while aborted never overwrites the Aborted status.
func (e *Engine) abort(ctx context.Context, userInput string) []Fragment {
	e.status = Aborted
	e.items = e.paths[config.PathAborted]
	e.current, e.items = popFront(e.items)
	return e.process(ctx, userInput, false, true)
}
