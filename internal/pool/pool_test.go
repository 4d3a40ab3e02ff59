package pool_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pyckup/call-e/internal/config"
	"github.com/pyckup/call-e/internal/dialogue"
	"github.com/pyckup/call-e/internal/pool"
	"github.com/pyckup/call-e/internal/telephony"
)

type fakeMedia struct{}

func (fakeMedia) Active() bool { return false }
func (fakeMedia) PlayFile(path string, loop bool) (telephony.PlayerHandle, error) {
	return nil, nil
}
func (fakeMedia) Record(dst *os.File, duration time.Duration) error        { return nil }
func (fakeMedia) CrossConnect(other telephony.MediaSession) error          { return nil }

type fakeIncomingDialog struct {
	mu       sync.Mutex
	answered bool
	rejected int
}

func (d *fakeIncomingDialog) Invite(ctx context.Context, number string) error { return nil }
func (d *fakeIncomingDialog) Answer() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.answered = true
	return nil
}
func (d *fakeIncomingDialog) Reject(code int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected = code
	return nil
}
func (d *fakeIncomingDialog) Bye(ctx context.Context) error         { return nil }
func (d *fakeIncomingDialog) State() telephony.State                { return telephony.Confirmed }
func (d *fakeIncomingDialog) OnStateChange(func(telephony.State))    {}
func (d *fakeIncomingDialog) Media() telephony.MediaSession          { return fakeMedia{} }

type fakeEndpoint struct {
	incoming func(telephony.Dialog)
}

func (e *fakeEndpoint) Dial(uri string) (telephony.Dialog, error) { return &fakeIncomingDialog{}, nil }
func (e *fakeEndpoint) OnIncoming(handler func(telephony.Dialog)) { e.incoming = handler }
func (e *fakeEndpoint) Close() error                              { return nil }

func newTestPool(t *testing.T, sessionCount int) (*pool.Pool, *fakeEndpoint, context.Context, context.CancelFunc) {
	t.Helper()
	ep := &fakeEndpoint{}
	driver := dialogue.New(nil, nil, nil, nil)
	p := pool.New(ep, pool.Credentials{RegistrarUri: "sip.example.com"}, "sip.example.com", driver)

	ctx, cancel := context.WithCancel(context.Background())
	cfg := &config.ConversationConfig{Title: "t", Paths: map[string][]*config.ConversationItem{
		config.PathEntry:   {},
		config.PathAborted: {},
	}}
	p.StartListening(ctx, cfg, sessionCount)
	t.Cleanup(func() {
		cancel()
		p.Close(context.Background())
	})
	return p, ep, ctx, cancel
}

func TestRouteIncoming_FillsFreeSessionsThenRejects(t *testing.T) {
	_, ep, _, _ := newTestPool(t, 2)

	d1 := &fakeIncomingDialog{}
	ep.incoming(d1)
	if !d1.answered {
		t.Error("first incoming call was not answered")
	}

	d2 := &fakeIncomingDialog{}
	ep.incoming(d2)
	if !d2.answered {
		t.Error("second incoming call was not answered")
	}

	d3 := &fakeIncomingDialog{}
	ep.incoming(d3)
	if d3.answered {
		t.Error("third incoming call was answered despite no free session")
	}
	if d3.rejected != 486 {
		t.Errorf("third incoming call rejected with code %d, want 486", d3.rejected)
	}
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/creds.json"
	body := `{"idUri":"sip:bot@example.com","registrarUri":"sip.example.com","username":"bot","password":"secret"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	creds, err := pool.LoadCredentials(path)
	if err != nil {
		t.Fatalf("LoadCredentials: %v", err)
	}
	want := pool.Credentials{
		IDUri:        "sip:bot@example.com",
		RegistrarUri: "sip.example.com",
		Username:     "bot",
		Password:     "secret",
	}
	if creds != want {
		t.Errorf("LoadCredentials() = %+v, want %+v", creds, want)
	}
}

func TestLoadCredentials_MissingFile(t *testing.T) {
	_, err := pool.LoadCredentials(t.TempDir() + "/nope.json")
	if err == nil {
		t.Fatal("expected error for missing credentials file")
	}
}
