// Package channels defines the message types shared between the messaging
// client and the reply path. The WhatsApp adapter produces IncomingMessage
// values and implements Sender; the reply policy consumes both.
package channels

import (
	"context"
	"errors"
	"time"
)

// MessageType identifies the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageMedia MessageType = "media"
	MessageOther MessageType = "other"
)

// PresenceState is the chat presence signalled to a peer.
type PresenceState string

const (
	// PresenceComposing shows "typing..." to the peer.
	PresenceComposing PresenceState = "composing"

	// PresencePaused clears the typing indicator.
	PresencePaused PresenceState = "paused"
)

// Sender is the outbound half of a messaging client.
type Sender interface {
	// SendText delivers a plain text message to the chat identified by to.
	SendText(ctx context.Context, to, text string) error

	// SendPresence updates the chat presence shown to the peer.
	SendPresence(ctx context.Context, to string, state PresenceState) error
}

// IncomingMessage represents a message received from the messaging client.
type IncomingMessage struct {
	// ID is the unique message identifier in the source channel.
	ID string

	// Channel identifies the source channel (e.g. "whatsapp").
	Channel string

	// From is the normalized sender address (user@server, no device suffix).
	From string

	// FromName is the sender display name (if available).
	FromName string

	// ChatID is the chat the message arrived in; replies go here.
	ChatID string

	// FromSelf is set for messages sent by the bot's own account.
	FromSelf bool

	// IsGroup indicates whether the message is from a group chat.
	IsGroup bool

	// IsBroadcast is set for broadcast lists and status updates.
	IsBroadcast bool

	// Type is the message content type.
	Type MessageType

	// Content is the text body. Empty for media without caption.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// HealthStatus represents the health state of a channel.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
	Details       map[string]any
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrSendFailed          = errors.New("failed to send message")
	ErrConnectionFailed    = errors.New("failed to connect to channel")
)
