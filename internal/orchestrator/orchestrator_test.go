package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/dialogue"
	"github.com/pyckup/call-e/internal/engine"
	"github.com/pyckup/call-e/internal/orchestrator"
	"github.com/pyckup/call-e/internal/store"
	"github.com/pyckup/call-e/internal/telephony"
)

// fakeDialog answers every call immediately as CONFIRMED with no media, so
// the conversation engine drives straight off an empty entry path without
// ever touching TTS/ASR/LLM. It lets these tests exercise the Orchestrator's
// bookkeeping without a real call stack.
type fakeDialog struct{}

func (fakeDialog) Invite(ctx context.Context, number string) error { return nil }
func (fakeDialog) Answer() error                                  { return nil }
func (fakeDialog) Reject(code int) error                          { return nil }
func (fakeDialog) Bye(ctx context.Context) error                  { return nil }
func (fakeDialog) State() telephony.State                         { return telephony.Confirmed }
func (fakeDialog) OnStateChange(func(telephony.State))            {}
func (fakeDialog) Media() telephony.MediaSession                  { return nil }

func fakeDial(uri string) (telephony.Dialog, error) { return fakeDialog{}, nil }

func newTestOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "contacts.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	driver := dialogue.New(nil, nil, nil, nil)
	newSession := func() *telephony.Session { return telephony.New("sip.example.com") }
	orch := orchestrator.New(st, driver, newSession, fakeDial)
	return orch, st
}

func emptyPathConfig(title string) *config.ConversationConfig {
	return &config.ConversationConfig{
		Title: title,
		Paths: map[string][]*config.ConversationItem{
			config.PathEntry:   {},
			config.PathAborted: {},
		},
	}
}

func TestCallContact_CompletesAndPersistsStatus(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	id, err := st.UpsertContact("Jane", "+15551230000", "")
	if err != nil {
		t.Fatalf("UpsertContact: %v", err)
	}

	cfg := emptyPathConfig("campaign")
	status, err := orch.CallContact(context.Background(), id, cfg, false)
	if err != nil {
		t.Fatalf("CallContact: %v", err)
	}
	if status != engine.Completed {
		t.Fatalf("CallContact status = %v, want Completed", status)
	}

	cs, err := st.GetStatus("campaign", id)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if cs == nil || cs.Status != store.Completed || cs.NumAttempts != 1 {
		t.Fatalf("GetStatus = %+v, want {NumAttempts:1 Status:COMPLETED}", cs)
	}
}

func TestCallContact_UnknownContactErrors(t *testing.T) {
	orch, _ := newTestOrchestrator(t)
	cfg := emptyPathConfig("campaign")
	if _, err := orch.CallContact(context.Background(), 9999, cfg, false); err == nil {
		t.Fatal("expected error for unknown contact id")
	}
}

func TestCallContact_WritesTranscriptWhenEnabled(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	id, _ := st.UpsertContact("Lee", "+15551230001", "")

	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(cwd) })

	cfg := emptyPathConfig("campaign")
	if _, err := orch.CallContact(context.Background(), id, cfg, true); err != nil {
		t.Fatalf("CallContact: %v", err)
	}

	// An empty entry path produces no fragments, so no transcript content is
	// written, but the logs directory must still have been created.
	if _, err := os.Stat(filepath.Join(dir, "logs")); err != nil {
		t.Errorf("expected logs directory to be created: %v", err)
	}
}

func TestCallContacts_SkipsNonNotReachedAndMaxAttempts(t *testing.T) {
	orch, st := newTestOrchestrator(t)

	idFresh, _ := st.UpsertContact("Fresh", "+1", "")
	idAborted, _ := st.UpsertContact("Aborted", "+2", "")
	idMaxedOut, _ := st.UpsertContact("MaxedOut", "+3", "")

	cfg := emptyPathConfig("sweep")
	if err := st.EnsureStatusTable(cfg.Title); err != nil {
		t.Fatalf("EnsureStatusTable: %v", err)
	}
	if err := st.EnsureNotReached(cfg.Title, idAborted); err != nil {
		t.Fatal(err)
	}
	if err := st.SetStatus(cfg.Title, idAborted, store.Aborted); err != nil {
		t.Fatal(err)
	}
	if err := st.EnsureNotReached(cfg.Title, idMaxedOut); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementAttempts(cfg.Title, idMaxedOut); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementAttempts(cfg.Title, idMaxedOut); err != nil {
		t.Fatal(err)
	}

	ids := []int64{idFresh, idAborted, idMaxedOut}
	if err := orch.CallContacts(context.Background(), cfg, ids, 2, false); err != nil {
		t.Fatalf("CallContacts: %v", err)
	}

	freshStatus, err := st.GetStatus(cfg.Title, idFresh)
	if err != nil {
		t.Fatal(err)
	}
	if freshStatus == nil || freshStatus.Status != store.Completed {
		t.Errorf("idFresh status = %+v, want COMPLETED (should have been called)", freshStatus)
	}

	abortedStatus, err := st.GetStatus(cfg.Title, idAborted)
	if err != nil {
		t.Fatal(err)
	}
	if abortedStatus.Status != store.Aborted || abortedStatus.NumAttempts != 0 {
		t.Errorf("idAborted status = %+v, want untouched ABORTED/0 (should have been skipped)", abortedStatus)
	}

	maxedStatus, err := st.GetStatus(cfg.Title, idMaxedOut)
	if err != nil {
		t.Fatal(err)
	}
	if maxedStatus.NumAttempts != 2 {
		t.Errorf("idMaxedOut num_attempts = %d, want 2 (should have been skipped, not re-attempted)", maxedStatus.NumAttempts)
	}
}

func TestCallContacts_DefaultsToAllContactsWhenIDsNil(t *testing.T) {
	orch, st := newTestOrchestrator(t)
	id, _ := st.UpsertContact("Only", "+9", "")

	cfg := emptyPathConfig("sweep_all")
	if err := orch.CallContacts(context.Background(), cfg, nil, 0, false); err != nil {
		t.Fatalf("CallContacts: %v", err)
	}

	cs, err := st.GetStatus(cfg.Title, id)
	if err != nil {
		t.Fatal(err)
	}
	if cs == nil || cs.Status != store.Completed {
		t.Fatalf("GetStatus = %+v, want COMPLETED", cs)
	}
}

func TestWaitForUnforward_DoesNotHangWithoutForwarding(t *testing.T) {
	// Regression guard: an earlier draft used an empty select{} here, which
	// would block forever instead of polling IsForwarded.
	orch, st := newTestOrchestrator(t)
	id, _ := st.UpsertContact("Quick", "+10", "")
	cfg := emptyPathConfig("campaign")

	done := make(chan struct{})
	go func() {
		orch.CallContact(context.Background(), id, cfg, false)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("CallContact did not return within 5s; waitForUnforward may be stuck")
	}
}
