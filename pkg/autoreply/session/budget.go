package session

import "time"

// RetryBudget counts consecutive connection failures.
type RetryBudget struct {
	Attempts int `json:"attempts"`
	Max      int `json:"max"`
}

// Exhausted reports whether no automatic reconnect may be scheduled.
func (b RetryBudget) Exhausted() bool {
	return b.Attempts >= b.Max
}

// Consume records one failure and reports whether a reconnect may still be
// scheduled for it.
func (b *RetryBudget) Consume() bool {
	b.Attempts++
	return !b.Exhausted()
}

// Reset zeroes the attempt counter.
func (b *RetryBudget) Reset() {
	b.Attempts = 0
}

// RetryPolicy configures automatic reconnects.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failures tolerated before
	// the controller gives up and waits for an operator command.
	MaxAttempts int

	// Backoff is the fixed wait before each reconnect.
	Backoff time.Duration
}

// Budget returns a fresh budget for the policy.
func (p RetryPolicy) Budget() RetryBudget {
	return RetryBudget{Max: p.MaxAttempts}
}

// PendingQR is the pairing payload waiting to be scanned.
type PendingQR struct {
	Payload   string    `json:"payload"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the payload may still be presented at now.
func (q PendingQR) Valid(now time.Time) bool {
	return q.Payload != "" && now.Before(q.ExpiresAt)
}
