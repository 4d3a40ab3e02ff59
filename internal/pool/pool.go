// Package pool implements the Softphone Pool (spec.md §4.F): the shared SIP
// endpoint plus a set of session slots routing incoming calls to free
// slots and restarting listener workers on failure.
//
// Worker supervision (spawn a replacement listener on failure) is grounded
// on the teacher's process-restart shape in
// internal/orchestrator/hostproc.go, adapted from HTTP-controlled
// subprocesses to in-process goroutine workers bound to SIP sessions.
// Incoming-call routing (first free session, else BUSY_HERE) is grounded
// directly on calle_core/softphone.py's group_account.onIncomingCall
// (original_source).
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/dialogue"
	"github.com/pyckup/call-e/internal/metrics"
	"github.com/pyckup/call-e/internal/telephony"
)

// sipBusyHere is the SIP status code used to reject an incoming call when
// no session slot is free.
const sipBusyHere = 486

// Credentials is the registered SIP account's credential set (spec.md §6).
type Credentials struct {
	IDUri        string `json:"idUri"`
	RegistrarUri string `json:"registrarUri"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

// LoadCredentials reads a SIP account credential file in spec.md §6's
// documented JSON shape.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("pool: read credentials %s: %w", path, err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("pool: parse credentials %s: %w", path, err)
	}
	return creds, nil
}

// Endpoint abstracts the process-wide SIP user agent: placing outbound
// dialogs and routing inbound ones. The production implementation wraps
// github.com/emiago/sipgo; tests use a fake.
type Endpoint interface {
	Dial(uri string) (telephony.Dialog, error)
	OnIncoming(handler func(telephony.Dialog))
	Close() error
}

// Pool is the Softphone Pool.
type Pool struct {
	endpoint  Endpoint
	creds     Credentials
	registrar string

	mu        sync.Mutex
	sessions  []*telephony.Session
	listening bool

	driver *dialogue.Driver
	log    *slog.Logger
}

// New constructs a Pool bound to an already-registered SIP endpoint and
// registers the pool's incoming-call router with it.
func New(endpoint Endpoint, creds Credentials, registrar string, driver *dialogue.Driver) *Pool {
	p := &Pool{
		endpoint:  endpoint,
		creds:     creds,
		registrar: registrar,
		driver:    driver,
		log:       slog.Default().With("component", "pool"),
	}
	endpoint.OnIncoming(p.routeIncoming)
	return p
}

// Dial places an outbound leg via the pool's shared endpoint. It satisfies
// the `dial func(uri string) (Dialog, error)` signature telephony.Session
// expects for Call/Forward.
func (p *Pool) Dial(uri string) (telephony.Dialog, error) {
	return p.endpoint.Dial(uri)
}

// NewSession constructs a session bound to this pool's registrar, for a
// one-off outbound call placed outside StartListening's session pool.
func (p *Pool) NewSession() *telephony.Session {
	return telephony.New(p.registrar)
}

// routeIncoming accepts the first free session's slot, or rejects with
// BUSY_HERE if none is free.
func (p *Pool) routeIncoming(dlg telephony.Dialog) {
	p.mu.Lock()
	var free *telephony.Session
	for _, s := range p.sessions {
		if s.Free() {
			free = s
			break
		}
	}
	p.mu.Unlock()

	if free == nil {
		p.log.Info("no free session, rejecting incoming call")
		_ = dlg.Reject(sipBusyHere)
		return
	}

	free.Bind(dlg)
	if err := dlg.Answer(); err != nil {
		p.log.Error("answer incoming call failed", "error", err)
	}
}

// StartListening creates n sessions and one listener worker per session.
func (p *Pool) StartListening(ctx context.Context, cfg *config.ConversationConfig, n int) {
	p.mu.Lock()
	p.listening = true
	p.sessions = make([]*telephony.Session, n)
	for i := range n {
		p.sessions[i] = telephony.New(p.registrar)
	}
	sessions := append([]*telephony.Session(nil), p.sessions...)
	p.mu.Unlock()

	for _, s := range sessions {
		p.spawnWorker(ctx, cfg, s)
	}
}

// StopListening flips the shared listening flag; each worker exits at its
// next poll cycle.
func (p *Pool) StopListening() {
	p.mu.Lock()
	p.listening = false
	p.mu.Unlock()
}

func (p *Pool) isListening() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.listening
}

// spawnWorker runs one listener worker bound to sess. Any failure or
// exception aborts the worker; the pool spawns a replacement bound to the
// same session so a new incoming call may still be accepted.
func (p *Pool) spawnWorker(ctx context.Context, cfg *config.ConversationConfig, sess *telephony.Session) {
	go func() {
		p.registerThread()
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					sess.Hangup(ctx, false)
				}
			}()
			return p.runWorker(ctx, cfg, sess)
		}()
		if err != nil {
			p.log.Warn("listener worker exited, respawning", "error", err, "session_id", sess.ID)
		}
		if p.isListening() {
			p.spawnWorker(ctx, cfg, sess)
		}
	}()
}

// registerThread is a no-op: sipgo is pure Go and has no OS-thread
// registration requirement, unlike the PJSUA2 binding spec.md §4.F/§9
// describes. Kept for interface parity with the spec's documented worker
// lifecycle rather than removed outright.
func (p *Pool) registerThread() {}

// runWorker polls for pickup at 1Hz, exiting early if listening was
// cleared, then drives one full engine conversation on pickup.
func (p *Pool) runWorker(ctx context.Context, cfg *config.ConversationConfig, sess *telephony.Session) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for !sess.HasPickedUp() {
		if !p.isListening() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	metrics.CallsTotal.WithLabelValues("inbound").Inc()
	status, _ := p.driver.Run(ctx, cfg, sess, sess.ID, dialogue.Hooks{})
	p.log.Info("inbound conversation finished", "session_id", sess.ID, "status", status)
	sess.Hangup(ctx, false)
	return nil
}

// Close tears down every session and the shared SIP endpoint.
func (p *Pool) Close(ctx context.Context) error {
	p.StopListening()
	p.mu.Lock()
	sessions := p.sessions
	p.sessions = nil
	p.mu.Unlock()
	for _, s := range sessions {
		s.Hangup(ctx, false)
	}
	return p.endpoint.Close()
}
