// Package config loads declarative conversation graphs from YAML into the
// typed, tagged-variant model the conversation engine walks.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigError wraps a malformed or incomplete conversation config.
// Construction fails fatally on a ConfigError; there is no partial recovery.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ItemKind discriminates the ConversationItem tagged union.
type ItemKind string

const (
	KindRead           ItemKind = "read"
	KindPrompt         ItemKind = "prompt"
	KindInformation    ItemKind = "information"
	KindChoice         ItemKind = "choice"
	KindFunctionChoice ItemKind = "function_choice"
	KindFunction       ItemKind = "function"
	KindPath           ItemKind = "path"
)

// ChoiceOption is one branch of a Choice or FunctionChoice item.
// DialNumber is a supplemental field carried from the original Python model
// (a DTMF dial-code per option); the engine round-trips it but does not act
// on it since DTMF capture is out of scope.
type ChoiceOption struct {
	Items      []*ConversationItem `yaml:"items"`
	DialNumber int                 `yaml:"dial_number,omitempty"`
}

// ConversationItem is a tagged variant over the seven item kinds. Only the
// fields relevant to Type are populated; the rest stay zero.
type ConversationItem struct {
	Type        ItemKind `yaml:"type"`
	Interactive bool     `yaml:"interactive,omitempty"`

	// Read
	Text string `yaml:"text,omitempty"`

	// Prompt
	Prompt string `yaml:"prompt,omitempty"`

	// Information
	Title       string `yaml:"title,omitempty"`
	Description string `yaml:"description,omitempty"`
	Format      string `yaml:"format,omitempty"`

	// Choice
	Choice  string                  `yaml:"choice,omitempty"`
	Options map[string]ChoiceOption `yaml:"options,omitempty"`
	Silent  bool                    `yaml:"silent,omitempty"`

	// Function / FunctionChoice
	Module   string `yaml:"module,omitempty"`
	Function string `yaml:"function,omitempty"`

	// Path
	Path string `yaml:"path,omitempty"`
}

// ConversationConfig is the root of a loaded conversation graph.
type ConversationConfig struct {
	Title string                          `yaml:"conversation_title"`
	Paths map[string][]*ConversationItem  `yaml:"conversation_paths"`
}

const (
	PathEntry   = "entry"
	PathAborted = "aborted"
)

type yamlDoc struct {
	Title string                          `yaml:"conversation_title"`
	Paths map[string][]*ConversationItem  `yaml:"conversation_paths"`
}

// Load reads and validates a conversation config from a YAML file.
func Load(path string) (*ConversationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Msg: fmt.Sprintf("read %s", path), Err: err}
	}
	return Parse(data)
}

// Parse validates and decodes conversation config YAML bytes.
func Parse(data []byte) (*ConversationConfig, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Msg: "parse yaml", Err: err}
	}

	cfg := &ConversationConfig{
		Title: sanitizeTitle(doc.Title),
		Paths: doc.Paths,
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *ConversationConfig) error {
	if cfg.Title == "" {
		return &ConfigError{Msg: "conversation_title is required"}
	}
	if _, ok := cfg.Paths[PathEntry]; !ok {
		return &ConfigError{Msg: "missing reserved path \"entry\""}
	}
	if _, ok := cfg.Paths[PathAborted]; !ok {
		return &ConfigError{Msg: "missing reserved path \"aborted\""}
	}

	seenTitles := make(map[string]bool)
	for name, items := range cfg.Paths {
		if err := validateItems(name, items, seenTitles); err != nil {
			return err
		}
	}
	return nil
}

// validateItems checks one item sequence and recurses into the nested
// Choice/FunctionChoice option sequences, which are spliced into the walk
// and carry the same invariants as top-level paths.
func validateItems(name string, items []*ConversationItem, seenTitles map[string]bool) error {
	if len(items) == 0 {
		return nil
	}
	last := items[len(items)-1]
	if last.Interactive {
		return &ConfigError{Msg: fmt.Sprintf("path %q: last item must not be interactive", name)}
	}
	for _, item := range items {
		if item.Type == KindInformation {
			title := sanitizeTitle(item.Title)
			if title == "" {
				return &ConfigError{Msg: fmt.Sprintf("path %q: information item missing title", name)}
			}
			if seenTitles[title] {
				return &ConfigError{Msg: fmt.Sprintf("duplicate information title %q", title)}
			}
			seenTitles[title] = true
			item.Title = title
		}
		for key, opt := range item.Options {
			if err := validateItems(fmt.Sprintf("%s/%s", name, key), opt.Items, seenTitles); err != nil {
				return err
			}
		}
	}
	return nil
}

// InformationTitles collects every Information item's sanitized title across
// all paths, including those nested in Choice/FunctionChoice branches. The
// result-table schema is derived from this full set once, so contacts that
// complete through different branches still share one column layout.
func (c *ConversationConfig) InformationTitles() []string {
	var titles []string
	seen := make(map[string]bool)
	for _, items := range c.Paths {
		titles = collectTitles(items, titles, seen)
	}
	return titles
}

func collectTitles(items []*ConversationItem, titles []string, seen map[string]bool) []string {
	for _, item := range items {
		if item.Type == KindInformation && item.Title != "" && !seen[item.Title] {
			seen[item.Title] = true
			titles = append(titles, item.Title)
		}
		for _, opt := range item.Options {
			titles = collectTitles(opt.Items, titles, seen)
		}
	}
	return titles
}

// sanitizeTitle lowercases and replaces spaces with underscores, matching the
// table-naming rule shared by conversation titles and information titles.
func sanitizeTitle(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

// ClonePaths deep-copies the path map so a walker instance may destructively
// pop items from its queue without mutating the shared template.
func ClonePaths(paths map[string][]*ConversationItem) map[string][]*ConversationItem {
	out := make(map[string][]*ConversationItem, len(paths))
	for name, items := range paths {
		out[name] = cloneItems(items)
	}
	return out
}

func cloneItems(items []*ConversationItem) []*ConversationItem {
	out := make([]*ConversationItem, len(items))
	for i, item := range items {
		c := *item
		if item.Options != nil {
			c.Options = make(map[string]ChoiceOption, len(item.Options))
			for k, opt := range item.Options {
				oc := opt
				oc.Items = cloneItems(opt.Items)
				c.Options[k] = oc
			}
		}
		out[i] = &c
	}
	return out
}
