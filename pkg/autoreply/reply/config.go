package reply

import (
	"strings"
	"time"
)

// Keyword maps a case-insensitive substring to a fixed reply.
type Keyword struct {
	Match string `yaml:"match"`
	Reply string `yaml:"reply"`
}

// Config configures the reply policy.
type Config struct {
	// Enabled is the initial auto-reply flag. The dashboard can toggle it.
	Enabled bool `yaml:"enabled"`

	// SystemPrompt is the fixed instruction sent ahead of every prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// Delay is the simulated typing time before a reply is sent.
	Delay time.Duration `yaml:"delay"`

	// ReplyToGroups enables replies in group chats.
	ReplyToGroups bool `yaml:"reply_to_groups"`

	// ExcludeNumbers lists contacts that never get a reply. Bare phone
	// numbers are treated as WhatsApp user addresses.
	ExcludeNumbers []string `yaml:"exclude_numbers"`

	// ContextTurns is how many recent messages (including the new one)
	// are sent along with the system prompt.
	ContextTurns int `yaml:"context_turns"`

	// DefaultFallback is sent when no keyword matches and no generated
	// reply is available.
	DefaultFallback string `yaml:"default_fallback"`

	// Keywords are checked in order; the first match wins.
	Keywords []Keyword `yaml:"keywords"`
}

// DefaultSystemPrompt is the instruction used when none is configured.
const DefaultSystemPrompt = "You are a helpful assistant responding to WhatsApp messages. " +
	"Keep responses concise, friendly, and conversational. " +
	"Respond as if you're the owner of this WhatsApp account. " +
	"If someone asks about availability, mention you're currently away but will respond soon. " +
	"Don't mention that you're an AI unless directly asked."

// DefaultFallbackText is the reply used when everything else fails.
const DefaultFallbackText = "Thanks for your message! I'm currently away but will get back to you soon. 😊"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		SystemPrompt:    DefaultSystemPrompt,
		Delay:           2 * time.Second,
		ReplyToGroups:   false,
		ContextTurns:    20,
		DefaultFallback: DefaultFallbackText,
		Keywords: []Keyword{
			{Match: "urgent", Reply: "I see this is urgent. I'll get back to you as soon as possible."},
			{Match: "emergency", Reply: "This appears to be an emergency. Please call me directly if it's truly urgent."},
			{Match: "meeting", Reply: "Regarding meetings, I'll check my calendar and get back to you shortly."},
			{Match: "hello", Reply: "Hello! Thanks for reaching out. I'll respond as soon as possible! 👋"},
			{Match: "hi", Reply: "Hi there! Thanks for your message. I'll get back to you soon! 👋"},
			{Match: "thank", Reply: "You're welcome! Happy to help! 😊"},
		},
	}
}

// NormalizeContact turns a bare phone number into a user address and strips
// any device suffix ("123:4@s.whatsapp.net" → "123@s.whatsapp.net").
func NormalizeContact(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	user, server, found := strings.Cut(id, "@")
	if !found {
		user = strings.TrimPrefix(user, "+")
		server = "s.whatsapp.net"
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + "@" + server
}
