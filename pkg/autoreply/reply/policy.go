// Package reply decides whether an inbound message gets an answer and
// produces the answer text, either from the keyword table or from the
// completion service, keeping the conversation store in sync.
package reply

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jholhewres/autoreply/pkg/autoreply/channels"
	"github.com/jholhewres/autoreply/pkg/autoreply/history"
)

// HistoryStore is the subset of the conversation store the policy uses.
type HistoryStore interface {
	Append(contact history.ContactID, role, content string)
	History(contact history.ContactID) []history.Turn
}

// Completer produces a generated reply.
type Completer interface {
	Complete(ctx context.Context, systemPrompt string, turns []history.Turn, userMessage string) (string, error)
}

// configuredCompleter is implemented by completers that can report a
// missing credential up front.
type configuredCompleter interface {
	Configured() bool
}

// SkipReason explains why a message gets no reply.
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipEmpty     SkipReason = "empty"
	SkipNotText   SkipReason = "not_text"
	SkipFromSelf  SkipReason = "from_self"
	SkipBroadcast SkipReason = "broadcast"
	SkipGroup     SkipReason = "group"
	SkipExcluded  SkipReason = "excluded"
	SkipDisabled  SkipReason = "disabled"
)

// Decision is the outcome of the filtering stage.
type Decision struct {
	Reply  bool
	Reason SkipReason
}

// Source identifies where a reply text came from.
type Source string

const (
	SourceKeyword    Source = "keyword"
	SourceCompletion Source = "completion"
	SourceFallback   Source = "fallback"
)

// Result is a resolved reply.
type Result struct {
	Text   string
	Source Source
}

// sendTimeout bounds each outbound call to the messaging client.
const sendTimeout = 20 * time.Second

// Policy is the reply policy. It is safe for concurrent use; messages from
// the same contact may be handled in parallel.
type Policy struct {
	cfg       Config
	store     HistoryStore
	completer Completer
	logger    *slog.Logger

	excluded map[string]struct{}
	keywords []Keyword

	// enabled is toggled by the dashboard; changed is closed and replaced
	// on every toggle so in-flight delays can observe it.
	toggleMu sync.Mutex
	enabled  bool
	changed  chan struct{}

	stats counters
}

// New creates a reply policy. completer may be nil, in which case every
// non-keyword message gets the fallback text.
func New(cfg Config, store HistoryStore, completer Completer, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ContextTurns <= 0 {
		cfg.ContextTurns = DefaultConfig().ContextTurns
	}
	if cfg.DefaultFallback == "" {
		cfg.DefaultFallback = DefaultFallbackText
	}

	excluded := make(map[string]struct{}, len(cfg.ExcludeNumbers))
	for _, n := range cfg.ExcludeNumbers {
		if id := NormalizeContact(n); id != "" {
			excluded[id] = struct{}{}
		}
	}

	keywords := make([]Keyword, 0, len(cfg.Keywords))
	for _, kw := range cfg.Keywords {
		match := strings.ToLower(strings.TrimSpace(kw.Match))
		if match == "" || kw.Reply == "" {
			continue
		}
		keywords = append(keywords, Keyword{Match: match, Reply: kw.Reply})
	}

	p := &Policy{
		cfg:       cfg,
		store:     store,
		completer: completer,
		logger:    logger.With("component", "reply"),
		excluded:  excluded,
		keywords:  keywords,
		enabled:   cfg.Enabled,
		changed:   make(chan struct{}),
	}
	p.stats.start = time.Now()
	return p
}

// ---------- Toggle ----------

// Enabled reports whether auto-reply is on.
func (p *Policy) Enabled() bool {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()
	return p.enabled
}

// SetEnabled sets the auto-reply flag.
func (p *Policy) SetEnabled(on bool) {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()
	p.setEnabledLocked(on)
}

// Toggle flips the auto-reply flag and returns the new value.
func (p *Policy) Toggle() bool {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()
	on := !p.enabled
	p.setEnabledLocked(on)
	return on
}

func (p *Policy) setEnabledLocked(on bool) {
	if p.enabled == on {
		return
	}
	p.enabled = on
	close(p.changed)
	p.changed = make(chan struct{})
	p.logger.Info("auto-reply toggled", "enabled", on)
}

func (p *Policy) watchToggle() (bool, <-chan struct{}) {
	p.toggleMu.Lock()
	defer p.toggleMu.Unlock()
	return p.enabled, p.changed
}

// CompletionAvailable reports whether generated replies can be requested.
func (p *Policy) CompletionAvailable() bool {
	if p.completer == nil {
		return false
	}
	if cc, ok := p.completer.(configuredCompleter); ok {
		return cc.Configured()
	}
	return true
}

// ---------- Filtering ----------

// Decide applies the filtering rules in precedence order. It has no side
// effects.
func (p *Policy) Decide(msg *channels.IncomingMessage) Decision {
	switch {
	case msg == nil || strings.TrimSpace(msg.Content) == "":
		return Decision{Reason: SkipEmpty}
	case msg.Type != channels.MessageText:
		// Media captions are not answered.
		return Decision{Reason: SkipNotText}
	case msg.FromSelf:
		return Decision{Reason: SkipFromSelf}
	case msg.IsBroadcast:
		return Decision{Reason: SkipBroadcast}
	case msg.IsGroup && !p.cfg.ReplyToGroups:
		return Decision{Reason: SkipGroup}
	case p.isExcluded(msg):
		return Decision{Reason: SkipExcluded}
	case !p.Enabled():
		return Decision{Reason: SkipDisabled}
	}
	return Decision{Reply: true}
}

func (p *Policy) isExcluded(msg *channels.IncomingMessage) bool {
	if len(p.excluded) == 0 {
		return false
	}
	for _, id := range []string{msg.From, msg.ChatID} {
		if _, ok := p.excluded[NormalizeContact(id)]; ok {
			return true
		}
	}
	return false
}

// ---------- Resolution ----------

// MatchKeyword returns the reply of the first keyword contained in text.
func (p *Policy) MatchKeyword(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, kw := range p.keywords {
		if strings.Contains(lower, kw.Match) {
			return kw.Reply, true
		}
	}
	return "", false
}

// Resolve produces the reply text for a message that passed filtering.
// It never fails: completion errors degrade to the fallback text.
func (p *Policy) Resolve(ctx context.Context, contact history.ContactID, text string) Result {
	logger := p.logger.With("contact", string(contact))

	if reply, ok := p.MatchKeyword(text); ok {
		p.stats.keyword.Add(1)
		logger.Debug("keyword reply")
		return Result{Text: reply, Source: SourceKeyword}
	}

	if !p.CompletionAvailable() {
		p.stats.fallback.Add(1)
		logger.Warn("no completion credential configured, using fallback reply")
		return Result{Text: p.cfg.DefaultFallback, Source: SourceFallback}
	}

	turns := Window(p.store.History(contact), p.cfg.ContextTurns)
	reply, err := p.completer.Complete(ctx, p.cfg.SystemPrompt, turns, text)
	if err != nil {
		p.stats.fallback.Add(1)
		logger.Error("completion failed, using fallback reply", "error", err)
		return Result{Text: p.cfg.DefaultFallback, Source: SourceFallback}
	}

	// Both turns are recorded only after a successful completion.
	p.store.Append(contact, history.RoleUser, text)
	p.store.Append(contact, history.RoleAssistant, reply)
	p.stats.ai.Add(1)
	return Result{Text: reply, Source: SourceCompletion}
}

// Window returns the most recent stored turns that fit in a prompt of n
// messages once the new user message is added. n <= 0 keeps everything.
func Window(turns []history.Turn, n int) []history.Turn {
	if n <= 0 {
		return turns
	}
	keep := n - 1
	if len(turns) <= keep {
		return turns
	}
	return turns[len(turns)-keep:]
}

// ---------- Inbound path ----------

// Handle runs the full inbound path for one message: filter, typing
// indicator and delay, resolve, send. Send and presence failures are
// logged and never returned.
func (p *Policy) Handle(ctx context.Context, msg *channels.IncomingMessage, sender channels.Sender) {
	decision := p.Decide(msg)
	if !decision.Reply {
		if msg != nil && decision.Reason != SkipEmpty {
			p.logger.Debug("message skipped", "chat", msg.ChatID, "reason", string(decision.Reason))
		}
		return
	}

	p.stats.received.Add(1)
	contact := history.ContactID(NormalizeContact(msg.ChatID))
	logger := p.logger.With("msg_id", uuid.NewString(), "chat", msg.ChatID)
	logger.Info("message received", "from", msg.From, "chars", len(msg.Content))

	if p.cfg.Delay > 0 {
		p.presence(ctx, logger, sender, msg.ChatID, channels.PresenceComposing)
		if !p.wait(ctx, p.cfg.Delay) {
			logger.Info("auto-reply disabled or cancelled during delay, dropping reply")
			p.presence(ctx, logger, sender, msg.ChatID, channels.PresencePaused)
			return
		}
	}

	result := p.Resolve(ctx, contact, msg.Content)

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := sender.SendText(sendCtx, msg.ChatID, result.Text)
	cancel()
	if err != nil {
		logger.Error("failed to send reply", "error", err)
	} else {
		p.stats.sent.Add(1)
		logger.Info("reply sent", "source", string(result.Source), "chars", len(result.Text))
	}

	if p.cfg.Delay > 0 {
		p.presence(ctx, logger, sender, msg.ChatID, channels.PresencePaused)
	}
}

// wait sleeps for d and returns false if ctx ends or auto-reply is turned
// off in the meantime.
func (p *Policy) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	enabled, changed := p.watchToggle()
	for enabled {
		select {
		case <-timer.C:
			return true
		case <-ctx.Done():
			return false
		case <-changed:
			enabled, changed = p.watchToggle()
		}
	}
	return false
}

func (p *Policy) presence(ctx context.Context, logger *slog.Logger, sender channels.Sender, chat string, state channels.PresenceState) {
	pctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := sender.SendPresence(pctx, chat, state); err != nil {
		logger.Warn("failed to send presence", "state", string(state), "error", err)
	}
}

// ---------- Stats ----------

// Stats holds message counters.
type Stats struct {
	Received          int64     `json:"received"`
	Sent              int64     `json:"sent"`
	AIResponses       int64     `json:"ai_responses"`
	KeywordResponses  int64     `json:"keyword_responses"`
	FallbackResponses int64     `json:"fallback_responses"`
	StartTime         time.Time `json:"start_time"`
}

type counters struct {
	received atomic.Int64
	sent     atomic.Int64
	ai       atomic.Int64
	keyword  atomic.Int64
	fallback atomic.Int64
	start    time.Time
}

// Stats returns a snapshot of the message counters.
func (p *Policy) Stats() Stats {
	return Stats{
		Received:          p.stats.received.Load(),
		Sent:              p.stats.sent.Load(),
		AIResponses:       p.stats.ai.Load(),
		KeywordResponses:  p.stats.keyword.Load(),
		FallbackResponses: p.stats.fallback.Load(),
		StartTime:         p.stats.start,
	}
}

// ResetResponseCounters zeroes the per-source reply counters. Called when
// history is cleared.
func (p *Policy) ResetResponseCounters() {
	p.stats.ai.Store(0)
	p.stats.keyword.Store(0)
	p.stats.fallback.Store(0)
}
