package session

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ---------- fake clock ----------

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every timer that became due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// FireStopped runs the callbacks of stopped timers, as happens when a real
// timer fires concurrently with Stop.
func (c *fakeClock) FireStopped() {
	c.mu.Lock()
	var stale []*fakeTimer
	for _, t := range c.timers {
		if t.stopped && !t.fired {
			t.fired = true
			stale = append(stale, t)
		}
	}
	c.mu.Unlock()
	for _, t := range stale {
		t.f()
	}
}

// Pending returns the number of armed timers.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// ---------- fake client and hooks ----------

type fakeClient struct {
	mu       sync.Mutex
	inits    int
	destroys int
	wipes    int
	initErr  error
	pairCode string
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.initErr
}

func (f *fakeClient) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeClient) WipeCredentials(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wipes++
	return nil
}

func (f *fakeClient) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return f.pairCode, nil
}

func (f *fakeClient) counts() (inits, destroys, wipes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.destroys, f.wipes
}

type fakeHooks struct {
	mu                                  sync.Mutex
	loads, autosaveStarts, stops, saves int
}

func (h *fakeHooks) Load() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.loads++
}

func (h *fakeHooks) StartAutoSave(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.autosaveStarts++
	return nil
}

func (h *fakeHooks) StopAutoSave() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
}

func (h *fakeHooks) Persist() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.saves++
	return nil
}

// ---------- helpers ----------

var testConfig = Config{
	MaxRetries:  3,
	Backoff:     3 * time.Second,
	QRTimeout:   60 * time.Second,
	InitTimeout: 90 * time.Second,
}

type harness struct {
	ctrl   *Controller
	clock  *fakeClock
	client *fakeClient
	hooks  *fakeHooks

	mu      sync.Mutex
	changes []Change
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: newFakeClock(), client: &fakeClient{pairCode: "ABCD-1234"}, hooks: &fakeHooks{}}
	h.ctrl = NewController(testConfig, h.client, h.hooks, nil, WithClock(h.clock))
	h.ctrl.Subscribe(func(c Change) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.changes = append(h.changes, c)
	})
	t.Cleanup(func() { h.ctrl.Close() })
	return h
}

// settle waits for background initialization to finish.
func (h *harness) settle() {
	h.ctrl.inflight.Wait()
}

func (h *harness) state() State {
	return h.ctrl.Status().State
}

func (h *harness) transitions() [][2]State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][2]State, 0, len(h.changes))
	for _, c := range h.changes {
		out = append(out, [2]State{c.From, c.To})
	}
	return out
}

func (h *harness) resetTransitions() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = nil
}

// ---------- tests ----------

func TestCreateTwiceInitializesOnce(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.ctrl.Create()
	h.settle()

	if inits, _, _ := h.client.counts(); inits != 1 {
		t.Errorf("expected exactly one initialization, got %d", inits)
	}
	if h.state() != StateConnecting {
		t.Errorf("expected connecting, got %s", h.state())
	}
}

func TestConcurrentCreateInitializesOnce(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.ctrl.Create()
		}()
	}
	wg.Wait()
	h.settle()

	if inits, _, _ := h.client.counts(); inits != 1 {
		t.Errorf("expected exactly one initialization, got %d", inits)
	}
}

func TestPairingFlowToReady(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.ctrl.OnEvent(EvQR{Payload: "qr-1"})

	qr, ok := h.ctrl.PendingQR()
	if !ok || qr.Payload != "qr-1" {
		t.Fatalf("expected pending qr, got %+v %v", qr, ok)
	}
	if want := h.clock.Now().Add(testConfig.QRTimeout); !qr.ExpiresAt.Equal(want) {
		t.Errorf("expires at %v, want %v", qr.ExpiresAt, want)
	}

	h.ctrl.OnEvent(EvAuthenticated{})
	if _, ok := h.ctrl.PendingQR(); ok {
		t.Error("qr must be cleared on authentication")
	}
	h.ctrl.OnEvent(EvReady{})

	want := [][2]State{
		{StateDisconnected, StateConnecting},
		{StateConnecting, StateQRReady},
		{StateQRReady, StateAuthenticated},
		{StateAuthenticated, StateReady},
	}
	if diff := cmp.Diff(want, h.transitions()); diff != "" {
		t.Errorf("transitions mismatch (-want +got):\n%s", diff)
	}
	if h.hooks.loads != 1 || h.hooks.autosaveStarts != 1 {
		t.Errorf("expected history load and autosave, got %+v", h.hooks)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("expected no armed timers once ready, got %d", n)
	}
}

func TestMaxFailuresEndsInFailed(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()

	for i := 1; i <= testConfig.MaxRetries; i++ {
		h.ctrl.OnEvent(EvDisconnected{Reason: "connection lost"})
		if i < testConfig.MaxRetries {
			if h.state() != StateDisconnected {
				t.Fatalf("failure %d: expected disconnected, got %s", i, h.state())
			}
			h.clock.Advance(testConfig.Backoff)
			h.settle()
			if h.state() != StateConnecting {
				t.Fatalf("failure %d: expected reconnect, got %s", i, h.state())
			}
		}
	}

	if h.state() != StateFailed {
		t.Fatalf("expected failed, got %s", h.state())
	}
	st := h.ctrl.Status()
	if st.RetryAttempts != testConfig.MaxRetries || st.LastError == "" {
		t.Errorf("unexpected status %+v", st)
	}
	if n := h.clock.Pending(); n != 0 {
		t.Errorf("expected no reconnect scheduled, got %d armed timers", n)
	}

	inits, _, _ := h.client.counts()
	h.clock.Advance(time.Hour)
	h.settle()
	if after, _, _ := h.client.counts(); after != inits {
		t.Errorf("automatic create after failed: %d -> %d", inits, after)
	}

	t.Run("reset from failed reconnects", func(t *testing.T) {
		h.resetTransitions()
		h.ctrl.ResetAuthentication()
		h.settle()

		want := [][2]State{
			{StateFailed, StateDisconnected},
			{StateDisconnected, StateConnecting},
		}
		if diff := cmp.Diff(want, h.transitions()); diff != "" {
			t.Errorf("transitions mismatch (-want +got):\n%s", diff)
		}
		if _, _, wipes := h.client.counts(); wipes != 1 {
			t.Errorf("expected credentials wiped once, got %d", wipes)
		}
		if after, _, _ := h.client.counts(); after != inits+1 {
			t.Errorf("expected one new initialization, got %d -> %d", inits, after)
		}
		if st := h.ctrl.Status(); st.RetryAttempts != 0 {
			t.Errorf("budget not reset: %+v", st)
		}
	})
}

func TestReadyResetsBudget(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.ctrl.OnEvent(EvInitTimeout{})
	h.clock.Advance(testConfig.Backoff)
	h.settle()
	h.ctrl.OnEvent(EvReady{})

	if st := h.ctrl.Status(); st.State != StateReady || st.RetryAttempts != 0 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestDisconnectFromReadyPersists(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.ctrl.OnEvent(EvReady{})
	h.ctrl.OnEvent(EvDisconnected{Reason: "stream replaced"})

	if h.state() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", h.state())
	}
	if h.hooks.saves != 1 || h.hooks.stops != 1 {
		t.Errorf("expected persist and autosave stop, got %+v", h.hooks)
	}
	if _, destroys, _ := h.client.counts(); destroys != 1 {
		t.Errorf("expected client destroyed once, got %d", destroys)
	}

	h.clock.Advance(testConfig.Backoff)
	h.settle()
	if h.state() != StateConnecting {
		t.Errorf("expected reconnect, got %s", h.state())
	}
}

func TestAuthFailureWipesAndReconnects(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.ctrl.OnEvent(EvAuthFailure{Reason: "logged out"})

	if h.state() != StateAuthFailed {
		t.Fatalf("expected auth_failed, got %s", h.state())
	}
	if _, _, wipes := h.client.counts(); wipes != 1 {
		t.Errorf("expected credential wipe, got %d", wipes)
	}

	h.clock.Advance(testConfig.Backoff)
	h.settle()
	if h.state() != StateConnecting {
		t.Errorf("expected reconnect with fresh credentials, got %s", h.state())
	}
}

func TestQRExpiry(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.ctrl.OnEvent(EvQR{Payload: "qr-1"})

	h.clock.Advance(testConfig.QRTimeout - time.Second)
	if _, ok := h.ctrl.PendingQR(); !ok {
		t.Fatal("qr expired early")
	}

	h.clock.Advance(2 * time.Second)
	if _, ok := h.ctrl.PendingQR(); ok {
		t.Error("stale qr still presented")
	}
	if st := h.ctrl.Status(); st.HasQR || st.State != StateDisconnected || st.RetryAttempts != 1 {
		t.Errorf("unexpected status after expiry %+v", st)
	}
}

func TestNewQRSupersedesExpiry(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.ctrl.OnEvent(EvQR{Payload: "qr-1"})
	h.clock.Advance(40 * time.Second)
	h.ctrl.OnEvent(EvQR{Payload: "qr-2"})
	h.clock.Advance(40 * time.Second)

	qr, ok := h.ctrl.PendingQR()
	if !ok || qr.Payload != "qr-2" {
		t.Fatalf("expected qr-2 still valid, got %+v %v", qr, ok)
	}
	if h.state() != StateQRReady {
		t.Errorf("old qr timer fired: state %s", h.state())
	}

	h.clock.Advance(30 * time.Second)
	if h.state() != StateDisconnected {
		t.Errorf("expected expiry of qr-2, got %s", h.state())
	}
}

func TestStaleTimersAreIgnored(t *testing.T) {
	t.Run("after reset", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.Create()
		h.settle()
		h.ctrl.OnEvent(EvQR{Payload: "qr-1"})

		h.ctrl.ResetAuthentication()
		h.settle()
		h.clock.FireStopped()

		if st := h.ctrl.Status(); st.State != StateConnecting || st.RetryAttempts != 0 {
			t.Errorf("stale timer acted on new client: %+v", st)
		}
	})

	t.Run("after new qr", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.Create()
		h.settle()
		h.ctrl.OnEvent(EvQR{Payload: "qr-1"})
		h.ctrl.OnEvent(EvQR{Payload: "qr-2"})
		h.clock.FireStopped()

		if h.state() != StateQRReady {
			t.Errorf("superseded qr timer fired: %s", h.state())
		}
	})

	t.Run("reconnect after restart", func(t *testing.T) {
		h := newHarness(t)
		h.ctrl.Create()
		h.settle()
		h.ctrl.OnEvent(EvDisconnected{})
		h.ctrl.RestartClient()
		h.settle()
		inits, _, _ := h.client.counts()

		h.clock.FireStopped()
		h.settle()
		if after, _, _ := h.client.counts(); after != inits {
			t.Errorf("cancelled reconnect created a client: %d -> %d", inits, after)
		}
	})
}

func TestInitializeErrorIsAFailure(t *testing.T) {
	h := newHarness(t)
	h.client.initErr = errors.New("dial failed")

	h.ctrl.Create()
	h.settle()

	if st := h.ctrl.Status(); st.State != StateDisconnected || st.RetryAttempts != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestInitTimeout(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.clock.Advance(testConfig.InitTimeout)

	if st := h.ctrl.Status(); st.State != StateDisconnected || st.RetryAttempts != 1 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestRestartKeepsCredentials(t *testing.T) {
	h := newHarness(t)

	h.ctrl.Create()
	h.settle()
	h.ctrl.OnEvent(EvReady{})
	h.ctrl.RestartClient()
	h.settle()

	inits, destroys, wipes := h.client.counts()
	if wipes != 0 {
		t.Errorf("restart wiped credentials")
	}
	if inits != 2 || destroys != 1 {
		t.Errorf("expected 2 inits / 1 destroy, got %d / %d", inits, destroys)
	}
	if h.hooks.saves != 1 {
		t.Errorf("expected history persisted before restart, got %d", h.hooks.saves)
	}
}

func TestRequestPairingCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.ctrl.RequestPairingCode(ctx, "5511999999999"); !errors.Is(err, ErrNotPairing) {
		t.Errorf("expected ErrNotPairing while disconnected, got %v", err)
	}

	h.ctrl.Create()
	h.settle()
	code, err := h.ctrl.RequestPairingCode(ctx, "5511999999999")
	if err != nil || code != "ABCD-1234" {
		t.Errorf("unexpected result %q, %v", code, err)
	}
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Create()
	h.settle()

	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.ctrl.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	inits, _, _ := h.client.counts()
	h.ctrl.Create()
	h.clock.Advance(time.Hour)
	h.settle()
	if after, _, _ := h.client.counts(); after != inits {
		t.Error("controller acted after close")
	}
	if _, err := h.ctrl.RequestPairingCode(context.Background(), "1"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// blockingClient holds every Initialize until release is closed.
type blockingClient struct {
	fakeClient
	release     chan struct{}
	releaseOnce sync.Once

	active, maxActive int
	ctxs              []context.Context
}

func (b *blockingClient) Initialize(ctx context.Context) error {
	b.mu.Lock()
	b.inits++
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.ctxs = append(b.ctxs, ctx)
	b.mu.Unlock()

	<-b.release

	b.mu.Lock()
	b.active--
	b.mu.Unlock()
	return nil
}

// unblock lets every pending and future Initialize return.
func (b *blockingClient) unblock() {
	b.releaseOnce.Do(func() { close(b.release) })
}

func (b *blockingClient) stats() (inits, maxActive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inits, b.maxActive
}

func newBlockingController(t *testing.T) (*Controller, *blockingClient, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	client := &blockingClient{release: make(chan struct{})}
	ctrl := NewController(testConfig, client, nil, nil, WithClock(clock))

	t.Cleanup(func() {
		client.unblock()
		ctrl.Close()
	})
	return ctrl, client, clock
}

func waitForInits(t *testing.T, client *blockingClient, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inits, _ := client.stats(); inits >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d initializations", n)
}

func TestInitializationsNeverOverlap(t *testing.T) {
	t.Run("restart and reset while initializing", func(t *testing.T) {
		ctrl, client, _ := newBlockingController(t)

		ctrl.Create()
		waitForInits(t, client, 1)

		ctrl.RestartClient()
		ctrl.ResetAuthentication()
		time.Sleep(20 * time.Millisecond)

		if inits, _ := client.stats(); inits != 1 {
			t.Fatalf("started %d initializations while the first was running", inits)
		}

		client.mu.Lock()
		first := client.ctxs[0]
		client.mu.Unlock()
		if first.Err() == nil {
			t.Error("destroyed initialization kept a live context")
		}

		client.unblock()
		ctrl.inflight.Wait()

		inits, maxActive := client.stats()
		if maxActive != 1 {
			t.Errorf("max concurrent initializations = %d, want 1", maxActive)
		}
		// The restart's initialization was superseded by the reset before
		// it could start; only the latest one runs.
		if inits != 2 {
			t.Errorf("expected 2 initializations, got %d", inits)
		}
		if st := ctrl.Status(); st.State != StateConnecting {
			t.Errorf("expected connecting, got %s", st.State)
		}
	})

	t.Run("init timeout while initializing", func(t *testing.T) {
		ctrl, client, clock := newBlockingController(t)

		ctrl.Create()
		waitForInits(t, client, 1)

		clock.Advance(testConfig.InitTimeout)
		clock.Advance(testConfig.Backoff)
		if st := ctrl.Status(); st.State != StateConnecting || st.RetryAttempts != 1 {
			t.Fatalf("unexpected status %+v", st)
		}
		time.Sleep(20 * time.Millisecond)

		if inits, _ := client.stats(); inits != 1 {
			t.Fatalf("reconnect started while the first initialization was running")
		}

		client.unblock()
		ctrl.inflight.Wait()

		if inits, maxActive := client.stats(); inits != 2 || maxActive != 1 {
			t.Errorf("inits = %d, max concurrent = %d; want 2, 1", inits, maxActive)
		}
	})
}

func TestReconnectFollowsRetryPolicy(t *testing.T) {
	cfg := testConfig
	cfg.MaxRetries = 2
	cfg.Backoff = 7 * time.Second

	clock := newFakeClock()
	client := &fakeClient{}
	ctrl := NewController(cfg, client, nil, nil, WithClock(clock))
	t.Cleanup(func() { ctrl.Close() })

	if st := ctrl.Status(); st.RetryMax != 2 {
		t.Fatalf("expected retry max 2, got %d", st.RetryMax)
	}

	ctrl.Create()
	ctrl.inflight.Wait()
	ctrl.OnEvent(EvClientError{Err: errors.New("boom")})

	clock.Advance(cfg.Backoff - time.Second)
	ctrl.inflight.Wait()
	if inits, _, _ := client.counts(); inits != 1 {
		t.Fatalf("reconnected before the backoff elapsed")
	}
	clock.Advance(time.Second)
	ctrl.inflight.Wait()
	if inits, _, _ := client.counts(); inits != 2 {
		t.Fatalf("expected reconnect after backoff, got %d inits", inits)
	}

	// Second consecutive failure with max_retries 2 gives up.
	ctrl.OnEvent(EvClientError{Err: errors.New("boom")})
	if st := ctrl.Status(); st.State != StateFailed || st.RetryAttempts != 2 {
		t.Errorf("unexpected status %+v", st)
	}
	if clock.Pending() != 0 {
		t.Errorf("expected no timers after giving up, got %d", clock.Pending())
	}
}
