package telephony_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pyckup/call-e/internal/telephony"
)

type fakePlayer struct {
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func newFakePlayer() *fakePlayer { return &fakePlayer{done: make(chan struct{})} }

func (p *fakePlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		close(p.done)
	}
}

func (p *fakePlayer) Done() <-chan struct{} { return p.done }

func (p *fakePlayer) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

type fakeMedia struct {
	mu             sync.Mutex
	active         bool
	players        []*fakePlayer
	crossConnected bool
}

func (m *fakeMedia) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *fakeMedia) PlayFile(path string, loop bool) (telephony.PlayerHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := newFakePlayer()
	m.players = append(m.players, p)
	return p, nil
}

func (m *fakeMedia) Record(dst *os.File, duration time.Duration) error { return nil }

func (m *fakeMedia) CrossConnect(other telephony.MediaSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crossConnected = true
	return nil
}

// fakeDialog reports a scripted state and, like the real sipgo-backed
// dialogs, fires its state-change callback synchronously from Bye.
type fakeDialog struct {
	mu      sync.Mutex
	state   telephony.State
	onState func(telephony.State)
	media   *fakeMedia
	byes    int
}

func newConfirmedDialog() *fakeDialog {
	return &fakeDialog{state: telephony.Confirmed, media: &fakeMedia{active: true}}
}

func (d *fakeDialog) Invite(ctx context.Context, number string) error { return nil }
func (d *fakeDialog) Answer() error                                   { return nil }
func (d *fakeDialog) Reject(code int) error                           { return nil }

func (d *fakeDialog) Bye(ctx context.Context) error {
	d.mu.Lock()
	d.byes++
	already := d.state == telephony.Disconnected
	d.mu.Unlock()
	if !already {
		d.setState(telephony.Disconnected)
	}
	d.media.mu.Lock()
	d.media.active = false
	d.media.mu.Unlock()
	return nil
}

func (d *fakeDialog) State() telephony.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeDialog) OnStateChange(cb func(telephony.State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = cb
}

func (d *fakeDialog) Media() telephony.MediaSession { return d.media }

func (d *fakeDialog) setState(s telephony.State) {
	d.mu.Lock()
	d.state = s
	cb := d.onState
	d.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (d *fakeDialog) byeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byes
}

func dialTo(dlg *fakeDialog) func(uri string) (telephony.Dialog, error) {
	return func(uri string) (telephony.Dialog, error) { return dlg, nil }
}

func TestCall_RejectsWhenActiveExists(t *testing.T) {
	sess := telephony.New("sip.example.com")
	sess.Bind(newConfirmedDialog())

	err := sess.Call(context.Background(), "+15550000000", dialTo(newConfirmedDialog()))
	if !errors.Is(err, telephony.ErrActiveExists) {
		t.Fatalf("Call with an active leg = %v, want ErrActiveExists", err)
	}
}

func TestCall_ClearsActiveOnInviteFailure(t *testing.T) {
	sess := telephony.New("sip.example.com")
	failing := func(uri string) (telephony.Dialog, error) {
		return &inviteFailDialog{}, nil
	}
	if err := sess.Call(context.Background(), "+15550000000", failing); err == nil {
		t.Fatal("expected invite failure to surface")
	}
	if !sess.Free() {
		t.Error("session not free after a failed invite")
	}
}

type inviteFailDialog struct{ fakeDialog }

func (d *inviteFailDialog) Invite(ctx context.Context, number string) error {
	return errors.New("boom")
}

func TestForward_RequiresConfirmedActiveLeg(t *testing.T) {
	sess := telephony.New("sip.example.com")
	err := sess.Forward(context.Background(), "+100", 0, dialTo(newConfirmedDialog()))
	if !errors.Is(err, telephony.ErrNoActiveLeg) {
		t.Fatalf("Forward without active leg = %v, want ErrNoActiveLeg", err)
	}
}

func TestForward_CrossConnectsAndBlocksLocalPlayback(t *testing.T) {
	active := newConfirmedDialog()
	sess := telephony.New("sip.example.com")
	sess.Bind(active)

	paired := newConfirmedDialog()
	if err := sess.Forward(context.Background(), "+100", 0, dialTo(paired)); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	if !sess.IsForwarded() {
		t.Error("IsForwarded() = false after a successful forward")
	}
	if !active.media.crossConnected {
		t.Error("active leg media was not cross-connected to the paired leg")
	}
	if err := sess.PlayAudio("x.wav", false); !errors.Is(err, telephony.ErrForwardingSession) {
		t.Errorf("PlayAudio while forwarded = %v, want ErrForwardingSession", err)
	}

	if err := sess.Forward(context.Background(), "+200", 0, dialTo(newConfirmedDialog())); !errors.Is(err, telephony.ErrPairExists) {
		t.Errorf("second Forward = %v, want ErrPairExists", err)
	}
}

func TestHangup_PairedOnlyKeepsActiveLeg(t *testing.T) {
	active := newConfirmedDialog()
	sess := telephony.New("sip.example.com")
	sess.Bind(active)

	paired := newConfirmedDialog()
	if err := sess.Forward(context.Background(), "+100", 0, dialTo(paired)); err != nil {
		t.Fatalf("Forward: %v", err)
	}

	sess.Hangup(context.Background(), true)

	if paired.byeCount() == 0 {
		t.Error("paired leg never received BYE")
	}
	if active.byeCount() != 0 {
		t.Error("active leg received BYE on a paired-only hangup")
	}
	if sess.IsForwarded() {
		t.Error("IsForwarded() = true after tearing down the pair")
	}
	if sess.Free() {
		t.Error("session lost its active leg on a paired-only hangup")
	}
}

func TestHangup_PeerDisconnectCallbackDoesNotDeadlock(t *testing.T) {
	// The fake's Bye fires the Disconnected state callback synchronously,
	// exactly like the sipgo-backed dialogs, so a full hangup exercises the
	// Bye -> callback -> Hangup re-entry path.
	active := newConfirmedDialog()
	sess := telephony.New("sip.example.com")
	sess.Bind(active)

	done := make(chan struct{})
	go func() {
		sess.Hangup(context.Background(), false)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hangup deadlocked on the disconnect callback re-entry")
	}

	if !sess.Free() {
		t.Error("session still holds an active leg after hangup")
	}
}

func TestPlayAudio_StopsPriorPlayer(t *testing.T) {
	active := newConfirmedDialog()
	sess := telephony.New("sip.example.com")
	sess.Bind(active)

	if err := sess.PlayAudio("a.wav", false); err != nil {
		t.Fatalf("PlayAudio a: %v", err)
	}
	if err := sess.PlayAudio("b.wav", false); err != nil {
		t.Fatalf("PlayAudio b: %v", err)
	}

	players := active.media.players
	if len(players) != 2 {
		t.Fatalf("attached %d players, want 2", len(players))
	}
	if !players[0].isStopped() {
		t.Error("first player still transmitting after the second was attached")
	}
	if players[1].isStopped() {
		t.Error("second player was stopped prematurely")
	}
}

func TestHasPickedUp(t *testing.T) {
	sess := telephony.New("sip.example.com")
	if sess.HasPickedUp() {
		t.Error("HasPickedUp() = true with no active leg")
	}

	dlg := newConfirmedDialog()
	sess.Bind(dlg)
	if !sess.HasPickedUp() {
		t.Error("HasPickedUp() = false for a confirmed leg with active media")
	}

	dlg.media.mu.Lock()
	dlg.media.active = false
	dlg.media.mu.Unlock()
	if sess.HasPickedUp() {
		t.Error("HasPickedUp() = true with inactive media")
	}
}
