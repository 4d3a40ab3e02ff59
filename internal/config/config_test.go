package config_test

import (
	"strings"
	"testing"

	"github.com/pyckup/call-e/internal/config"
)

const validYAML = `
conversation_title: Appointment Reminder
conversation_paths:
  entry:
    - type: read
      text: "Hello, this is a reminder call."
    - type: information
      title: Confirmed
      description: whether the patient confirmed
  aborted:
    - type: read
      text: "Goodbye."
`

func TestParse_Valid(t *testing.T) {
	cfg, err := config.Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Title != "appointment_reminder" {
		t.Errorf("Title = %q, want sanitized %q", cfg.Title, "appointment_reminder")
	}
	entry, ok := cfg.Paths[config.PathEntry]
	if !ok || len(entry) != 2 {
		t.Fatalf("entry path missing or wrong length: %+v", entry)
	}
	if entry[1].Title != "confirmed" {
		t.Errorf("information title = %q, want %q", entry[1].Title, "confirmed")
	}
}

func TestParse_MissingReservedPaths(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing entry",
			yaml: "conversation_title: x\nconversation_paths:\n  aborted: []\n",
			want: "entry",
		},
		{
			name: "missing aborted",
			yaml: "conversation_title: x\nconversation_paths:\n  entry: []\n",
			want: "aborted",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Parse() error = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParse_MissingTitle(t *testing.T) {
	_, err := config.Parse([]byte("conversation_paths:\n  entry: []\n  aborted: []\n"))
	if err == nil {
		t.Fatal("expected error for missing conversation_title")
	}
}

func TestParse_LastItemInteractive(t *testing.T) {
	yaml := `
conversation_title: bad
conversation_paths:
  entry:
    - type: prompt
      prompt: "what now?"
      interactive: true
  aborted: []
`
	_, err := config.Parse([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "must not be interactive") {
		t.Fatalf("Parse() error = %v, want interactive-tail rejection", err)
	}
}

func TestParse_DuplicateInformationTitle(t *testing.T) {
	yaml := `
conversation_title: dup
conversation_paths:
  entry:
    - type: information
      title: Same Title
      description: a
    - type: information
      title: same_title
      description: b
  aborted: []
`
	_, err := config.Parse([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("Parse() error = %v, want duplicate-title rejection", err)
	}
}

func TestClonePaths_Independent(t *testing.T) {
	cfg, err := config.Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	clone := config.ClonePaths(cfg.Paths)

	clone[config.PathEntry] = clone[config.PathEntry][:1]
	if len(cfg.Paths[config.PathEntry]) != 2 {
		t.Errorf("mutating clone affected original: len = %d, want 2", len(cfg.Paths[config.PathEntry]))
	}

	clone[config.PathEntry][0].Text = "mutated"
	if cfg.Paths[config.PathEntry][0].Text == "mutated" {
		t.Error("mutating cloned item affected original item")
	}
}

const branchedYAML = `
conversation_title: branched
conversation_paths:
  entry:
    - type: information
      title: Name
      description: caller name
      interactive: true
    - type: choice
      choice: "confirm or reschedule?"
      options:
        confirm:
          items:
            - type: information
              title: Arrival Time
              description: when they arrive
            - type: read
              text: "See you then."
        reschedule:
          items:
            - type: information
              title: New Date
              description: the new date
            - type: read
              text: "Rescheduled."
  aborted:
    - type: read
      text: "Goodbye."
`

func TestInformationTitles_IncludesNestedBranches(t *testing.T) {
	cfg, err := config.Parse([]byte(branchedYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got := cfg.InformationTitles()
	want := map[string]bool{"name": true, "arrival_time": true, "new_date": true}
	if len(got) != len(want) {
		t.Fatalf("InformationTitles() = %v, want the %d titles %v", got, len(want), want)
	}
	for _, title := range got {
		if !want[title] {
			t.Errorf("InformationTitles() contains unexpected %q", title)
		}
	}
}

func TestParse_NestedOptionLastItemInteractive(t *testing.T) {
	yaml := `
conversation_title: bad_branch
conversation_paths:
  entry:
    - type: choice
      choice: "agree or decline?"
      options:
        agree:
          items:
            - type: information
              title: Detail
              description: a detail
              interactive: true
  aborted: []
`
	_, err := config.Parse([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "must not be interactive") {
		t.Fatalf("Parse() error = %v, want interactive-tail rejection in nested branch", err)
	}
}

func TestParse_NestedDuplicateInformationTitle(t *testing.T) {
	yaml := `
conversation_title: dup_branch
conversation_paths:
  entry:
    - type: information
      title: Same
      description: a
    - type: choice
      choice: "pick one"
      options:
        one:
          items:
            - type: information
              title: same
              description: b
            - type: read
              text: "ok"
  aborted: []
`
	_, err := config.Parse([]byte(yaml))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("Parse() error = %v, want duplicate-title rejection across nesting", err)
	}
}
