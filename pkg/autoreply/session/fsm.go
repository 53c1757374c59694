// Package session owns the lifecycle of the messaging client connection.
//
// The state machine is a pure function, Transition, that maps a snapshot
// and an event to a new snapshot plus a list of effects. The Controller
// applies those effects (client calls, timers, history hooks) and is the
// only writer of the session state.
package session

import (
	"fmt"
	"log/slog"
)

// State is the connection state of the messaging client.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateQRReady       State = "qr_ready"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateAuthFailed    State = "auth_failed"
	StateFailed        State = "failed"
)

// initializing reports whether a client instantiation is in flight.
func (s State) initializing() bool {
	return s == StateConnecting || s == StateQRReady || s == StateAuthenticated
}

// live reports whether a client instance exists.
func (s State) live() bool {
	return s.initializing() || s == StateReady
}

// Snapshot is the state owned by the controller.
type Snapshot struct {
	State     State
	Budget    RetryBudget
	QR        string
	LastError string
}

// ---------- Events ----------

// Event is an input to the state machine.
type Event interface{ event() }

type (
	// EvCreate asks for a new client instance.
	EvCreate struct{}

	// EvQR carries a fresh pairing payload.
	EvQR struct{ Payload string }

	// EvAuthenticated reports a successful pairing or credential login.
	EvAuthenticated struct{}

	// EvReady reports that the client can send and receive messages.
	EvReady struct{}

	// EvDisconnected reports a lost connection.
	EvDisconnected struct{ Reason string }

	// EvAuthFailure reports credentials that were rejected for good.
	EvAuthFailure struct{ Reason string }

	// EvInitTimeout fires when initialization did not finish in time.
	EvInitTimeout struct{}

	// EvClientError reports a fatal client error.
	EvClientError struct{ Err error }

	// EvQRExpired fires when a pairing payload was not scanned in time.
	EvQRExpired struct{}

	// EvBackoffElapsed fires when a scheduled reconnect is due.
	EvBackoffElapsed struct{}

	// EvResetAuth is the operator command that wipes credentials.
	EvResetAuth struct{}

	// EvRestart is the operator command that keeps credentials.
	EvRestart struct{}
)

func (EvCreate) event()         {}
func (EvQR) event()             {}
func (EvAuthenticated) event()  {}
func (EvReady) event()          {}
func (EvDisconnected) event()   {}
func (EvAuthFailure) event()    {}
func (EvInitTimeout) event()    {}
func (EvClientError) event()    {}
func (EvQRExpired) event()      {}
func (EvBackoffElapsed) event() {}
func (EvResetAuth) event()      {}
func (EvRestart) event()        {}

// EventName returns a short label for logs and change notifications.
func EventName(ev Event) string {
	switch ev.(type) {
	case EvCreate:
		return "create"
	case EvQR:
		return "qr"
	case EvAuthenticated:
		return "authenticated"
	case EvReady:
		return "ready"
	case EvDisconnected:
		return "disconnected"
	case EvAuthFailure:
		return "auth_failure"
	case EvInitTimeout:
		return "init_timeout"
	case EvClientError:
		return "client_error"
	case EvQRExpired:
		return "qr_expired"
	case EvBackoffElapsed:
		return "backoff_elapsed"
	case EvResetAuth:
		return "reset_auth"
	case EvRestart:
		return "restart"
	default:
		return fmt.Sprintf("%T", ev)
	}
}

// ---------- Effects ----------

// Effect is a command produced by the state machine.
type Effect interface{ effect() }

type (
	EffInitClient        struct{}
	EffDestroyClient     struct{}
	EffWipeCredentials   struct{}
	EffStartQRTimer      struct{}
	EffCancelQRTimer     struct{}
	EffStartInitTimer    struct{}
	EffCancelInitTimer   struct{}
	EffScheduleReconnect struct{ Attempt int }
	EffCancelReconnect   struct{}
	EffLoadHistory       struct{}
	EffStartAutoSave     struct{}
	EffStopAutoSave      struct{}
	EffPersistHistory    struct{}

	// EffLog asks the controller to write a log line.
	EffLog struct {
		Level slog.Level
		Msg   string
		Attrs []any
	}
)

func (EffInitClient) effect()        {}
func (EffDestroyClient) effect()     {}
func (EffWipeCredentials) effect()   {}
func (EffStartQRTimer) effect()      {}
func (EffCancelQRTimer) effect()     {}
func (EffStartInitTimer) effect()    {}
func (EffCancelInitTimer) effect()   {}
func (EffScheduleReconnect) effect() {}
func (EffCancelReconnect) effect()   {}
func (EffLoadHistory) effect()       {}
func (EffStartAutoSave) effect()     {}
func (EffStopAutoSave) effect()      {}
func (EffPersistHistory) effect()    {}
func (EffLog) effect()               {}

// ---------- Transition ----------

// Transition applies ev to s. It never mutates its input and has no side
// effects; everything the caller must do is listed in the returned effects,
// in execution order.
func Transition(s Snapshot, ev Event) (Snapshot, []Effect) {
	switch e := ev.(type) {
	case EvCreate:
		return create(s, "create")

	case EvBackoffElapsed:
		if s.State != StateDisconnected && s.State != StateAuthFailed {
			return s, ignored(s, ev)
		}
		return create(s, "reconnect")

	case EvQR:
		if e.Payload == "" || (s.State != StateConnecting && s.State != StateQRReady) {
			return s, ignored(s, ev)
		}
		s.State = StateQRReady
		s.QR = e.Payload
		// The QR timer bounds the pairing wait from here on.
		return s, []Effect{EffCancelInitTimer{}, EffStartQRTimer{}}

	case EvAuthenticated:
		if s.State != StateConnecting && s.State != StateQRReady {
			return s, ignored(s, ev)
		}
		s.State = StateAuthenticated
		s.QR = ""
		return s, []Effect{EffCancelQRTimer{}, EffStartInitTimer{}}

	case EvReady:
		if !s.State.initializing() {
			return s, ignored(s, ev)
		}
		s.State = StateReady
		s.QR = ""
		s.LastError = ""
		s.Budget.Reset()
		return s, []Effect{
			EffCancelQRTimer{},
			EffCancelInitTimer{},
			EffLoadHistory{},
			EffStartAutoSave{},
			EffLog{Level: slog.LevelInfo, Msg: "session ready"},
		}

	case EvDisconnected:
		if !s.State.live() {
			return s, ignored(s, ev)
		}
		return fail(s, StateDisconnected, "disconnected: "+reason(e.Reason))

	case EvAuthFailure:
		if !s.State.live() {
			return s, ignored(s, ev)
		}
		return fail(s, StateAuthFailed, "authentication failed: "+reason(e.Reason))

	case EvInitTimeout:
		if !s.State.initializing() {
			return s, ignored(s, ev)
		}
		return fail(s, StateDisconnected, "initialization timed out")

	case EvClientError:
		if !s.State.live() {
			return s, ignored(s, ev)
		}
		msg := "client error"
		if e.Err != nil {
			msg += ": " + e.Err.Error()
		}
		return fail(s, StateDisconnected, msg)

	case EvQRExpired:
		if s.State != StateQRReady {
			return s, ignored(s, ev)
		}
		return fail(s, StateDisconnected, "qr code expired")

	case EvResetAuth:
		return operatorRestart(s, true)

	case EvRestart:
		return operatorRestart(s, false)
	}

	return s, ignored(s, ev)
}

func create(s Snapshot, cause string) (Snapshot, []Effect) {
	switch {
	case s.State.live():
		return s, []Effect{EffLog{
			Level: slog.LevelWarn,
			Msg:   "create ignored, client already initializing or ready",
			Attrs: []any{"state", string(s.State), "cause", cause},
		}}
	case s.State == StateFailed:
		return s, []Effect{EffLog{
			Level: slog.LevelWarn,
			Msg:   "create ignored, retry budget exhausted; reset or restart required",
			Attrs: []any{"cause", cause},
		}}
	}
	s.State = StateConnecting
	return s, []Effect{
		EffInitClient{},
		EffStartInitTimer{},
		EffLog{Level: slog.LevelInfo, Msg: "initializing client", Attrs: []any{"cause", cause, "attempt", s.Budget.Attempts}},
	}
}

// fail tears down the live client and either schedules a reconnect or, when
// the budget is spent, parks the session in failed.
func fail(s Snapshot, to State, why string) (Snapshot, []Effect) {
	effects := leave(s)
	if to == StateAuthFailed {
		effects = append(effects, EffWipeCredentials{})
	}

	s.QR = ""
	s.LastError = why

	if !s.Budget.Consume() {
		s.State = StateFailed
		return s, append(effects, EffLog{
			Level: slog.LevelError,
			Msg:   "retry budget exhausted, giving up",
			Attrs: []any{"reason", why, "attempts", s.Budget.Attempts, "max", s.Budget.Max},
		})
	}

	s.State = to
	return s, append(effects,
		EffScheduleReconnect{Attempt: s.Budget.Attempts},
		EffLog{
			Level: slog.LevelWarn,
			Msg:   "connection failed, reconnect scheduled",
			Attrs: []any{"reason", why, "attempt", s.Budget.Attempts, "max", s.Budget.Max},
		},
	)
}

// operatorRestart tears everything down and zeroes the budget, leaving the
// session disconnected. The controller follows up with EvCreate.
func operatorRestart(s Snapshot, wipe bool) (Snapshot, []Effect) {
	effects := append(leave(s), EffCancelReconnect{})
	if !s.State.live() {
		// Destroy is idempotent; make sure a half-built client is gone.
		effects = append(effects, EffDestroyClient{})
	}
	msg := "restarting client"
	if wipe {
		effects = append(effects, EffWipeCredentials{})
		msg = "resetting authentication"
	}

	s.State = StateDisconnected
	s.QR = ""
	s.LastError = ""
	s.Budget.Reset()

	return s, append(effects, EffLog{Level: slog.LevelInfo, Msg: msg})
}

// leave returns the effects that end the current client instance.
func leave(s Snapshot) []Effect {
	effects := []Effect{EffCancelQRTimer{}, EffCancelInitTimer{}}
	if s.State == StateReady {
		effects = append(effects, EffStopAutoSave{}, EffPersistHistory{})
	}
	if s.State.live() {
		effects = append(effects, EffDestroyClient{})
	}
	return effects
}

func ignored(s Snapshot, ev Event) []Effect {
	return []Effect{EffLog{
		Level: slog.LevelDebug,
		Msg:   "event ignored",
		Attrs: []any{"event", EventName(ev), "state", string(s.State)},
	}}
}

func reason(r string) string {
	if r == "" {
		return "unknown"
	}
	return r
}
