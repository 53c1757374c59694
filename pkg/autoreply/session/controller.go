package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Client is the command side of the messaging client.
type Client interface {
	// Initialize starts a client instance. It may return before the
	// connection is ready; progress is reported through OnEvent. ctx is
	// cancelled when the instance is destroyed, and Initialize must not
	// install an instance once that has happened.
	Initialize(ctx context.Context) error

	// Destroy tears down the live client instance, keeping credentials.
	// Calling it with no live instance is a no-op.
	Destroy() error

	// WipeCredentials deletes all persisted credential material.
	WipeCredentials(ctx context.Context) error

	// RequestPairingCode links the account by phone number instead of QR.
	RequestPairingCode(ctx context.Context, phone string) (string, error)
}

// HistoryHooks is the part of the conversation store the session drives.
type HistoryHooks interface {
	Load()
	StartAutoSave(ctx context.Context) error
	StopAutoSave()
	Persist() error
}

// Config configures the session controller.
type Config struct {
	// MaxRetries is the number of consecutive failures after which
	// automatic recovery stops: failure N moves the session to failed, so
	// at most N-1 reconnects are scheduled. Zero or one means none.
	MaxRetries int `yaml:"max_retries"`

	// Backoff is the wait before each automatic reconnect.
	Backoff time.Duration `yaml:"backoff"`

	// QRTimeout is how long a pairing payload stays valid.
	QRTimeout time.Duration `yaml:"qr_timeout"`

	// InitTimeout bounds the wait for a client to get ready.
	InitTimeout time.Duration `yaml:"init_timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		Backoff:     3 * time.Second,
		QRTimeout:   60 * time.Second,
		InitTimeout: 90 * time.Second,
	}
}

// RetryPolicy returns the retry settings of the config.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: c.MaxRetries, Backoff: c.Backoff}
}

var (
	// ErrNotPairing is returned when a pairing code is requested while the
	// client is not waiting to be linked.
	ErrNotPairing = errors.New("session: client is not waiting for pairing")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: controller closed")
)

// wipeTimeout bounds credential removal.
const wipeTimeout = 15 * time.Second

// Status is a read-only view of the session for the dashboard.
type Status struct {
	State          State      `json:"state"`
	RetryAttempts  int        `json:"retry_attempts"`
	RetryMax       int        `json:"retry_max"`
	HasQR          bool       `json:"has_qr"`
	QRExpiresAt    *time.Time `json:"qr_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	LastTransition time.Time  `json:"last_transition"`
}

// Change describes one state transition.
type Change struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event string    `json:"event"`
	At    time.Time `json:"at"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, for tests.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

type timerKind int

const (
	qrTimer timerKind = iota
	initTimer
	reconnectTimer
	numTimers
)

// timerSlot holds one pending timer. gen is bumped on every start and
// stop; a callback whose captured gen no longer matches is stale.
type timerSlot struct {
	t   Timer
	gen uint64
}

// Controller runs the session state machine against a live client.
// All state changes happen under one mutex; client initialization runs
// asynchronously and reports back through OnEvent.
type Controller struct {
	cfg    Config
	retry  RetryPolicy
	client Client
	hooks  HistoryHooks
	clock  Clock
	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	inflight sync.WaitGroup

	// initCancel cancels the context of the latest initialization;
	// initDone is closed once that initialization has returned.
	initCancel context.CancelFunc
	initDone   chan struct{}

	mu             sync.Mutex
	snap           Snapshot
	qr             PendingQR
	clientGen      uint64
	timers         [numTimers]timerSlot
	lastTransition time.Time
	subscribers    []func(Change)
	closed         bool
}

// NewController creates a controller in the disconnected state. hooks may
// be nil. Call Create to start connecting.
func NewController(cfg Config, client Client, hooks HistoryHooks, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaults.Backoff
	}
	if cfg.QRTimeout <= 0 {
		cfg.QRTimeout = defaults.QRTimeout
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = defaults.InitTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		retry:  cfg.RetryPolicy(),
		client: client,
		hooks:  hooks,
		clock:  realClock{},
		logger: logger.With("component", "session"),
		ctx:    ctx,
		cancel: cancel,
		snap: Snapshot{
			State:  StateDisconnected,
			Budget: cfg.RetryPolicy().Budget(),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastTransition = c.clock.Now()
	return c
}

// ---------- Commands ----------

// Create starts a client instance. It is a no-op while one is already
// initializing or ready.
func (c *Controller) Create() { c.dispatch(EvCreate{}) }

// ResetAuthentication destroys the client, wipes credentials, zeroes the
// retry budget and starts over. Safe from any state.
func (c *Controller) ResetAuthentication() { c.dispatch(EvResetAuth{}, EvCreate{}) }

// RestartClient destroys the client but keeps credentials, zeroes the
// retry budget and starts over. Safe from any state.
func (c *Controller) RestartClient() { c.dispatch(EvRestart{}, EvCreate{}) }

// OnEvent is the event sink for the messaging client.
func (c *Controller) OnEvent(ev Event) { c.dispatch(ev) }

// RequestPairingCode asks the client for a phone pairing code. Only valid
// while the client is waiting to be linked.
func (c *Controller) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.mu.Lock()
	closed, state := c.closed, c.snap.State
	c.mu.Unlock()

	if closed {
		return "", ErrClosed
	}
	if state != StateConnecting && state != StateQRReady {
		return "", ErrNotPairing
	}
	return c.client.RequestPairingCode(ctx, phone)
}

// Subscribe registers fn to be called after every state change. fn runs
// outside the controller lock and may call back into the controller.
func (c *Controller) Subscribe(fn func(Change)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Close stops all timers, waits for in-flight initialization and destroys
// the client. History is not persisted here; the caller owns that.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for k := range c.timers {
		c.stopTimer(timerKind(k))
	}
	wasReady := c.snap.State == StateReady
	c.mu.Unlock()

	c.cancel()
	c.inflight.Wait()

	if wasReady && c.hooks != nil {
		c.hooks.StopAutoSave()
	}
	if err := c.client.Destroy(); err != nil {
		c.logger.Warn("destroy on close failed", "error", err)
		return err
	}
	c.logger.Info("session closed")
	return nil
}

// ---------- Queries ----------

// Status returns the current session status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:          c.snap.State,
		RetryAttempts:  c.snap.Budget.Attempts,
		RetryMax:       c.snap.Budget.Max,
		LastError:      c.snap.LastError,
		LastTransition: c.lastTransition,
	}
	if c.qr.Valid(c.clock.Now()) {
		st.HasQR = true
		exp := c.qr.ExpiresAt
		st.QRExpiresAt = &exp
	}
	return st
}

// PendingQR returns the pairing payload if one is waiting and not expired.
func (c *Controller) PendingQR() (PendingQR, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.qr.Valid(c.clock.Now()) {
		return PendingQR{}, false
	}
	return c.qr, true
}

// Snapshot returns a copy of the state machine snapshot.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// ---------- Dispatch ----------

// dispatch applies events in order as one atomic step.
func (c *Controller) dispatch(events ...Event) {
	c.dispatchIf(nil, events...)
}

// dispatchIf applies events when guard (checked under the lock) allows it.
func (c *Controller) dispatchIf(guard func() bool, events ...Event) {
	c.mu.Lock()
	if c.closed || (guard != nil && !guard()) {
		c.mu.Unlock()
		c.logger.Debug("stale event dropped", "event", EventName(events[0]))
		return
	}
	var changes []Change
	for _, ev := range events {
		if change, changed := c.applyLocked(ev); changed {
			changes = append(changes, change)
		}
	}
	subs := append([]func(Change){}, c.subscribers...)
	c.mu.Unlock()

	for _, change := range changes {
		for _, fn := range subs {
			fn(change)
		}
	}
}

func (c *Controller) applyLocked(ev Event) (Change, bool) {
	prev := c.snap
	next, effects := Transition(prev, ev)
	c.snap = next
	if next.QR == "" {
		c.qr = PendingQR{}
	}

	for _, eff := range effects {
		c.runEffect(eff)
	}

	if prev.State == next.State {
		return Change{}, false
	}
	now := c.clock.Now()
	c.lastTransition = now
	c.logger.Info("state changed",
		"from", string(prev.State),
		"to", string(next.State),
		"event", EventName(ev))
	return Change{From: prev.State, To: next.State, Event: EventName(ev), At: now}, true
}

// runEffect executes one effect. Called with c.mu held; nothing here may
// call back into the controller synchronously.
func (c *Controller) runEffect(eff Effect) {
	switch e := eff.(type) {
	case EffInitClient:
		c.startInit()

	case EffDestroyClient:
		c.clientGen++
		c.cancelInit()
		if err := c.client.Destroy(); err != nil {
			c.logger.Warn("failed to destroy client", "error", err)
		}

	case EffWipeCredentials:
		ctx, cancel := context.WithTimeout(c.ctx, wipeTimeout)
		err := c.client.WipeCredentials(ctx)
		cancel()
		if err != nil {
			c.logger.Error("failed to wipe credentials", "error", err)
		} else {
			c.logger.Info("credentials wiped")
		}

	case EffStartQRTimer:
		now := c.clock.Now()
		c.qr = PendingQR{Payload: c.snap.QR, IssuedAt: now, ExpiresAt: now.Add(c.cfg.QRTimeout)}
		c.startTimer(qrTimer, c.cfg.QRTimeout, EvQRExpired{})

	case EffCancelQRTimer:
		c.stopTimer(qrTimer)

	case EffStartInitTimer:
		c.startTimer(initTimer, c.cfg.InitTimeout, EvInitTimeout{})

	case EffCancelInitTimer:
		c.stopTimer(initTimer)

	case EffScheduleReconnect:
		c.logger.Info("reconnect scheduled", "attempt", e.Attempt, "backoff", c.retry.Backoff)
		c.startTimer(reconnectTimer, c.retry.Backoff, EvBackoffElapsed{})

	case EffCancelReconnect:
		c.stopTimer(reconnectTimer)

	case EffLoadHistory:
		if c.hooks != nil {
			c.hooks.Load()
		}

	case EffStartAutoSave:
		if c.hooks != nil {
			if err := c.hooks.StartAutoSave(c.ctx); err != nil {
				c.logger.Error("failed to start history autosave", "error", err)
			}
		}

	case EffStopAutoSave:
		if c.hooks != nil {
			c.hooks.StopAutoSave()
		}

	case EffPersistHistory:
		if c.hooks != nil {
			// Errors are logged by the store.
			_ = c.hooks.Persist()
		}

	case EffLog:
		c.logger.Log(context.Background(), e.Level, e.Msg, e.Attrs...)
	}
}

// startInit runs client initialization in the background. Initializations
// never overlap: each one waits for its predecessor to return and is skipped
// if it was cancelled meanwhile. A failure is reported as EvClientError
// unless the instance was destroyed meanwhile.
func (c *Controller) startInit() {
	c.clientGen++
	gen := c.clientGen

	c.cancelInit()
	ctx, cancel := context.WithCancel(c.ctx)
	prev, done := c.initDone, make(chan struct{})
	c.initCancel, c.initDone = cancel, done

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer close(done)

		if prev != nil {
			<-prev
		}
		if ctx.Err() != nil {
			return
		}

		err := c.client.Initialize(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		c.logger.Error("client initialization failed", "error", err)
		c.dispatchIf(func() bool { return c.clientGen == gen }, EvClientError{Err: err})
	}()
}

// cancelInit cancels the latest initialization context. The instance it
// created, if any, is expected to be destroyed alongside.
func (c *Controller) cancelInit() {
	if c.initCancel != nil {
		c.initCancel()
		c.initCancel = nil
	}
}

func (c *Controller) startTimer(kind timerKind, d time.Duration, ev Event) {
	slot := &c.timers[kind]
	if slot.t != nil {
		slot.t.Stop()
	}
	slot.gen++
	gen := slot.gen
	slot.t = c.clock.AfterFunc(d, func() {
		c.dispatchIf(func() bool {
			if c.timers[kind].gen != gen {
				return false
			}
			c.timers[kind].t = nil
			return true
		}, ev)
	})
}

func (c *Controller) stopTimer(kind timerKind) {
	slot := &c.timers[kind]
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
	slot.gen++
}
