// Package orchestrator implements outbound campaign control over the
// contacts store (spec.md §4.H): one-off dials, single-contact attempts
// with status/result bookkeeping, and campaign sweeps over a contact set.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/dialogue"
	"github.com/pyckup/call-e/internal/engine"
	"github.com/pyckup/call-e/internal/metrics"
	"github.com/pyckup/call-e/internal/store"
	"github.com/pyckup/call-e/internal/telephony"
)

// Dialer places an outbound leg, the same collaborator telephony.Session.Call
// expects; the Softphone Pool's Dial method satisfies it.
type Dialer func(uri string) (telephony.Dialog, error)

// SessionFactory constructs a fresh outbound Session bound to the
// orchestrator's registrar, e.g. pool.Pool.NewSession.
type SessionFactory func() *telephony.Session

// Orchestrator drives outbound dialogues and, for campaign calls, persists
// attempt/status/result rows to the contacts store.
type Orchestrator struct {
	store      *store.Store
	driver     *dialogue.Driver
	newSession SessionFactory
	dial       Dialer
	log        *slog.Logger
}

// New constructs an Orchestrator bound to the contacts store, the shared
// dialogue driver, and a pool's session/dial collaborators.
func New(st *store.Store, driver *dialogue.Driver, newSession SessionFactory, dial Dialer) *Orchestrator {
	return &Orchestrator{
		store:      st,
		driver:     driver,
		newSession: newSession,
		dial:       dial,
		log:        slog.Default().With("component", "orchestrator"),
	}
}

// CallNumber performs a one-off outbound dialogue against number with no
// persistence, per spec.md §4.H.
func (o *Orchestrator) CallNumber(ctx context.Context, number string, cfg *config.ConversationConfig) (engine.Status, map[string]*string, error) {
	sess := o.newSession()
	if err := sess.Call(ctx, number, o.dial); err != nil {
		return engine.InProgress, nil, fmt.Errorf("orchestrator: call number %s: %w", number, err)
	}
	if err := sess.WaitForStopCalling(ctx, 0); err != nil {
		return engine.InProgress, nil, fmt.Errorf("orchestrator: wait for pickup %s: %w", number, err)
	}

	metrics.CallsTotal.WithLabelValues("outbound").Inc()
	status, info := o.driver.Run(ctx, cfg, sess, sess.ID, dialogue.Hooks{})
	o.waitForUnforward(ctx, sess)
	sess.Hangup(ctx, false)
	return status, info, nil
}

// CallContact performs one outbound attempt against a stored contact,
// bumping its attempt count unconditionally up front (spec.md §9's resolved
// open question: a subsequent "not reached" outcome still counts as an
// attempt), persisting the resulting status/result rows, and optionally
// writing a per-call transcript log. enableLogging mirrors the default-true
// flag calle_core/call_e.py's call_contact takes (original_source).
func (o *Orchestrator) CallContact(ctx context.Context, contactID int64, cfg *config.ConversationConfig, enableLogging bool) (engine.Status, error) {
	contact, err := o.store.GetContact(contactID)
	if err != nil {
		return engine.InProgress, fmt.Errorf("orchestrator: resolve contact %d: %w", contactID, err)
	}
	if contact == nil {
		return engine.InProgress, fmt.Errorf("orchestrator: no such contact %d", contactID)
	}

	if err := o.store.EnsureStatusTable(cfg.Title); err != nil {
		return engine.InProgress, err
	}
	// The result schema is derived from the full conversation graph, not
	// from whichever fields this particular call happens to extract:
	// contacts completing through different Choice branches must share one
	// column layout.
	if err := o.store.EnsureResultTable(cfg.Title, cfg.InformationTitles()); err != nil {
		return engine.InProgress, err
	}
	if err := o.store.EnsureNotReached(cfg.Title, contactID); err != nil {
		return engine.InProgress, err
	}
	if err := o.store.IncrementAttempts(cfg.Title, contactID); err != nil {
		return engine.InProgress, err
	}

	var hooks dialogue.Hooks
	if enableLogging {
		transcript, err := openTranscript(cfg.Title, contactID)
		if err != nil {
			o.log.Warn("could not open transcript log", "error", err, "contact_id", contactID)
		} else {
			defer transcript.Close()
			hooks.OnFragment = func(f dialogue.Fragment) {
				fmt.Fprintf(transcript, "Caller: %s\n", strings.TrimRight(f.Text, "\n"))
			}
			hooks.OnUserInput = func(text string) {
				fmt.Fprintf(transcript, "User: %s\n", text)
			}
		}
	}

	sess := o.newSession()
	if err := sess.Call(ctx, contact.PhoneNumber, o.dial); err != nil {
		return engine.InProgress, fmt.Errorf("orchestrator: call contact %d: %w", contactID, err)
	}
	if err := sess.WaitForStopCalling(ctx, 0); err != nil {
		return engine.InProgress, fmt.Errorf("orchestrator: wait for pickup contact %d: %w", contactID, err)
	}

	metrics.CallsTotal.WithLabelValues("outbound").Inc()
	status, info := o.driver.Run(ctx, cfg, sess, sess.ID, hooks)

	switch status {
	case engine.Aborted:
		if err := o.store.SetStatus(cfg.Title, contactID, store.Aborted); err != nil {
			o.log.Error("set status aborted failed", "error", err, "contact_id", contactID)
		}
	case engine.Completed:
		if err := o.store.SetStatus(cfg.Title, contactID, store.Completed); err != nil {
			o.log.Error("set status completed failed", "error", err, "contact_id", contactID)
		}
		if err := o.store.UpsertResult(cfg.Title, contactID, info); err != nil {
			o.log.Error("upsert result failed", "error", err, "contact_id", contactID)
		}
	}

	o.waitForUnforward(ctx, sess)
	sess.Hangup(ctx, false)
	return status, nil
}

// waitForUnforward polls at 1Hz until the session is no longer forwarded,
// per spec.md §4.H's "wait while session.is_forwarded() before hanging up".
func (o *Orchestrator) waitForUnforward(ctx context.Context, sess *telephony.Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for sess.IsForwarded() {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func openTranscript(title string, contactID int64) (*os.File, error) {
	if err := os.MkdirAll("logs", 0o755); err != nil {
		return nil, err
	}
	return os.Create(fmt.Sprintf("logs/%s_%d.log", title, contactID))
}

// CallContacts sweeps a campaign: ids defaults to every contact ascending;
// each is skipped if unknown, already attempted past NOT_REACHED, or at/over
// maxAttempts (0 means unbounded), else called via CallContact.
func (o *Orchestrator) CallContacts(ctx context.Context, cfg *config.ConversationConfig, ids []int64, maxAttempts int, enableLogging bool) error {
	if ids == nil {
		var err error
		ids, err = o.store.ListContactIDsAsc()
		if err != nil {
			return err
		}
	}

	if err := o.store.EnsureStatusTable(cfg.Title); err != nil {
		return err
	}

	for _, id := range ids {
		contact, err := o.store.GetContact(id)
		if err != nil {
			o.log.Error("resolve contact failed", "error", err, "contact_id", id)
			continue
		}
		if contact == nil {
			o.log.Warn("skipping invalid contact id", "contact_id", id)
			continue
		}

		cs, err := o.store.GetStatus(cfg.Title, id)
		if err != nil {
			o.log.Error("get status failed", "error", err, "contact_id", id)
			continue
		}
		if cs != nil {
			if cs.Status != store.NotReached {
				o.log.Info("skipping, not in NOT_REACHED", "contact_id", id, "status", cs.Status)
				continue
			}
			if maxAttempts > 0 && cs.NumAttempts >= maxAttempts {
				o.log.Info("skipping, max attempts reached", "contact_id", id, "num_attempts", cs.NumAttempts)
				continue
			}
		}

		if _, err := o.CallContact(ctx, id, cfg, enableLogging); err != nil {
			o.log.Error("call contact failed", "error", err, "contact_id", id)
		}
	}
	return nil
}
