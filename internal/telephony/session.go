// Package telephony implements the per-call Telephony Session state machine:
// call placement, incoming-call acceptance, call forwarding, and file
// playback, wrapping a SIP dialog and its audio media. Streaming TTS playback
// and VAD-gated ASR capture live in the tts and asr packages, which run over
// the media a Session exposes.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State mirrors spec.md §4.E's call state machine.
type State int

const (
	Idle State = iota
	Calling
	Early
	Confirmed
	Disconnected
)

func (s State) String() string {
	switch s {
	case Calling:
		return "CALLING"
	case Early:
		return "EARLY"
	case Confirmed:
		return "CONFIRMED"
	case Disconnected:
		return "DISCONNECTED"
	default:
		return "IDLE"
	}
}

// ErrActiveExists is returned by Call when the session already has an active leg.
var ErrActiveExists = errors.New("telephony: active leg already exists")

// ErrForwardingSession is returned by PlayAudio while the session is forwarded.
var ErrForwardingSession = errors.New("telephony: in forwarding session")

// ErrNoActiveLeg is returned by Forward when there is no CONFIRMED active leg.
var ErrNoActiveLeg = errors.New("telephony: no confirmed active leg")

// ErrPairExists is returned by Forward when a paired leg already exists.
var ErrPairExists = errors.New("telephony: paired leg already exists")

// Dialog abstracts a single SIP call leg. The production implementation
// wraps github.com/emiago/sipgo + github.com/emiago/sipgo/sip; tests use a
// fake, the way the teacher wraps a pooled *http.Client behind a small
// adapter in internal/pipeline/httpclient.go.
type Dialog interface {
	Invite(ctx context.Context, number string) error
	Answer() error
	Reject(code int) error
	Bye(ctx context.Context) error
	State() State
	OnStateChange(func(State))
	Media() MediaSession
}

// MediaSession abstracts the RTP audio path of one dialog: starting/stopping
// a file player and a recorder, and reporting whether media is currently
// active (peer not on hold, leg not yet disconnected).
type MediaSession interface {
	Active() bool
	PlayFile(path string, loop bool) (PlayerHandle, error)
	Record(dst *os.File, duration time.Duration) error
	CrossConnect(other MediaSession) error
}

// PlayerHandle is a single attached file player; at most one may be
// transmitting toward a leg's media at any instant (spec.md §4.E invariant).
type PlayerHandle interface {
	Stop()
	// Done returns a channel closed when playback ends, whether at
	// end-of-file or via Stop. The TTS streamer and PlayAudio's "play to
	// completion" cache-hit path both wait on it.
	Done() <-chan struct{}
}

// Session is one logical call leg (plus, optionally, a paired leg for
// forwarding) with its media, players, recorder, and a UUID namespacing its
// scratch artifacts.
type Session struct {
	ID string

	mu       sync.Mutex
	active   Dialog
	paired   Dialog
	player   PlayerHandle
	forwarded bool

	registrar string
	log       *slog.Logger

	// OnDisconnect is invoked with pairedOnly=true when the paired leg hangs
	// up (so only it is torn down) and false when the active leg does.
	OnDisconnect func(pairedOnly bool)
}

// New constructs a Session with no leg attached; Call or Bind attaches one.
// registrar is the SIP registrar host used to build the sip: URIs that Call
// and Forward dial.
func New(registrar string) *Session {
	return &Session{
		ID:        uuid.New().String(),
		registrar: registrar,
		log:       slog.Default().With("session_id", "pending"),
	}
}

func (s *Session) bindLog() {
	s.log = slog.Default().With("session_id", s.ID)
}

// Call places an outbound leg. Rejects if an active leg already exists.
func (s *Session) Call(ctx context.Context, number string, dial func(uri string) (Dialog, error)) error {
	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return ErrActiveExists
	}
	s.mu.Unlock()

	s.bindLog()
	uri := fmt.Sprintf("sip:%s@%s", number, s.registrar)
	dlg, err := dial(uri)
	if err != nil {
		return fmt.Errorf("telephony: call %s: %w", number, err)
	}
	dlg.OnStateChange(func(state State) {
		if state == Disconnected {
			s.handleDisconnect(dlg)
		}
	})

	s.mu.Lock()
	s.active = dlg
	s.mu.Unlock()

	if err := dlg.Invite(ctx, number); err != nil {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
		return fmt.Errorf("telephony: invite %s: %w", number, err)
	}
	return nil
}

// Bind attaches an already-accepted incoming dialog as this session's active
// leg. Used by the Softphone Pool when routing an incoming call.
func (s *Session) Bind(dlg Dialog) {
	s.bindLog()
	dlg.OnStateChange(func(state State) {
		if state == Disconnected {
			s.handleDisconnect(dlg)
		}
	})
	s.mu.Lock()
	s.active = dlg
	s.mu.Unlock()
}

// WaitForStopCalling blocks while the active leg is CALLING or EARLY, honouring
// a timeout (<=0 means no timeout).
func (s *Session) WaitForStopCalling(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		dlg := s.active
		s.mu.Unlock()
		if dlg == nil {
			return nil
		}
		st := dlg.State()
		if st != Calling && st != Early {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("telephony: wait_for_stop_calling timed out")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// HasPickedUp reports whether the session is CONFIRMED with live audio media.
func (s *Session) HasPickedUp() bool {
	s.mu.Lock()
	dlg := s.active
	s.mu.Unlock()
	if dlg == nil {
		return false
	}
	return dlg.State() == Confirmed && dlg.Media() != nil && dlg.Media().Active()
}

// Forward requires a CONFIRMED active leg and no existing pair. It places a
// second outbound leg; on pickup it cross-connects active<->paired audio.
func (s *Session) Forward(ctx context.Context, number string, timeout time.Duration, dial func(uri string) (Dialog, error)) error {
	s.mu.Lock()
	if s.active == nil || s.active.State() != Confirmed {
		s.mu.Unlock()
		return ErrNoActiveLeg
	}
	if s.paired != nil {
		s.mu.Unlock()
		return ErrPairExists
	}
	active := s.active
	s.mu.Unlock()

	uri := fmt.Sprintf("sip:%s@%s", number, s.registrar)
	dlg, err := dial(uri)
	if err != nil {
		return fmt.Errorf("telephony: forward %s: %w", number, err)
	}
	dlg.OnStateChange(func(state State) {
		if state == Disconnected {
			s.handleDisconnect(dlg)
		}
	})
	if err := dlg.Invite(ctx, number); err != nil {
		return fmt.Errorf("telephony: forward invite %s: %w", number, err)
	}

	fwdCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		fwdCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		if dlg.State() == Confirmed {
			break
		}
		if dlg.State() == Disconnected {
			return fmt.Errorf("telephony: forwarding leg disconnected before pickup")
		}
		select {
		case <-fwdCtx.Done():
			_ = dlg.Bye(ctx)
			return fmt.Errorf("telephony: forward timeout")
		case <-time.After(200 * time.Millisecond):
		}
	}

	s.mu.Lock()
	s.stopPlayerLocked()
	s.paired = dlg
	s.forwarded = true
	s.mu.Unlock()

	if err := active.Media().CrossConnect(dlg.Media()); err != nil {
		return fmt.Errorf("telephony: cross-connect: %w", err)
	}
	return nil
}

// IsForwarded reports whether the session currently has a live paired leg.
func (s *Session) IsForwarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarded
}

// PlayAudio attaches a file player to the active leg's media, rejecting
// while forwarded.
func (s *Session) PlayAudio(path string, loop bool) error {
	s.mu.Lock()
	if s.forwarded {
		s.mu.Unlock()
		return ErrForwardingSession
	}
	dlg := s.active
	s.mu.Unlock()
	if dlg == nil || dlg.Media() == nil {
		return fmt.Errorf("telephony: no active media")
	}

	s.mu.Lock()
	s.stopPlayerLocked()
	s.mu.Unlock()

	player, err := dlg.Media().PlayFile(path, loop)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.player = player
	s.mu.Unlock()
	return nil
}

// StopAudio stops any player attached by PlayAudio.
func (s *Session) StopAudio() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopPlayerLocked()
}

func (s *Session) stopPlayerLocked() {
	if s.player != nil {
		s.player.Stop()
		s.player = nil
	}
}

// ActiveMedia exposes the active leg's media session for the TTS streamer
// and ASR capturer.
func (s *Session) ActiveMedia() MediaSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forwarded || s.active == nil {
		return nil
	}
	return s.active.Media()
}

// Forwarded reports whether PlayAudio rejects with ErrForwardingSession.
func (s *Session) Forwarded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forwarded
}

// Free reports whether the session has no active leg, i.e. it is eligible
// to accept a newly arrived incoming call (spec.md §4.F's "first free
// session" routing rule).
func (s *Session) Free() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == nil
}

// handleDisconnect is the disconnection callback: a leg entering DISCONNECTED
// hangs up the session, tearing down only the paired leg if it was the one
// that disconnected. A leg that Hangup has already detached is ignored.
func (s *Session) handleDisconnect(dlg Dialog) {
	s.mu.Lock()
	isActive := s.active == dlg
	pairedOnly := s.paired == dlg
	s.mu.Unlock()

	if !isActive && !pairedOnly {
		return
	}
	s.Hangup(context.Background(), pairedOnly)
	if s.OnDisconnect != nil {
		s.OnDisconnect(pairedOnly)
	}
}

// Hangup tears down the paired leg only (pairedOnly=true, used from the
// peer's disconnect callback on the forwarded leg) or both legs, deleting
// per-session scratch artifacts. Bye is sent outside the session lock: a
// dialog's state-change callback fires synchronously from Bye and re-enters
// handleDisconnect.
func (s *Session) Hangup(ctx context.Context, pairedOnly bool) {
	s.mu.Lock()
	paired := s.paired
	s.paired = nil
	s.forwarded = false

	var active Dialog
	if !pairedOnly {
		s.stopPlayerLocked()
		active = s.active
		s.active = nil
	}
	s.mu.Unlock()

	if paired != nil {
		_ = paired.Bye(ctx)
	}
	if pairedOnly {
		return
	}
	if active != nil {
		_ = active.Bye(ctx)
	}
	s.removeArtifacts()
}

// removeArtifacts deletes this session's scratch files under artifacts/.
func (s *Session) removeArtifacts() {
	entries, err := os.ReadDir("artifacts")
	if err != nil {
		return
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), s.ID) {
			_ = os.Remove("artifacts/" + entry.Name())
		}
	}
}
