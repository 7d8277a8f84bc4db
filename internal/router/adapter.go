package router

import (
	"context"
	"time"
)

// Status is a channel adapter's connection state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// InboundMessage is a normalized message from any channel.
type InboundMessage struct {
	ChannelID  string    `json:"channel_id"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	ReceivedAt time.Time `json:"received_at"`
}

// SendOptions carries per-send hints adapters may honor or ignore.
type SendOptions struct {
	Silent bool
	Meta   map[string]interface{}
}

// SendResult reports the outcome of an outbound send. Success requires
// every chunk to have been delivered.
type SendResult struct {
	Success    bool   `json:"success"`
	ChannelID  string `json:"channel_id"`
	ChunksSent int    `json:"chunks_sent"`
	Reason     string `json:"reason,omitempty"`
}

// ChannelAdapter is the uniform contract every channel implements. The
// router only ever talks to channels through this interface.
type ChannelAdapter interface {
	ID() string
	Label() string

	// Enabled reports whether the channel is administratively enabled.
	// StartAll skips disabled channels.
	Enabled() bool

	Start(ctx context.Context) error
	Stop() error
	Status() Status

	// OnMessage registers the inbound callback. Adapters deliver every
	// message they receive; access policy is applied by the router via
	// ShouldRespond.
	OnMessage(fn func(InboundMessage))

	// ShouldRespond is the channel's access policy. A false return means
	// the message is dropped silently.
	ShouldRespond(msg InboundMessage) bool

	// FormatOutbound adapts content to the channel's platform conventions.
	FormatOutbound(content string) string

	// ChunkMessage splits oversized content into ordered platform-sized
	// chunks. Content within the limit comes back as a single chunk.
	ChunkMessage(content string) []string

	SendMessage(ctx context.Context, recipientID, content string, opts SendOptions) error

	// DefaultRecipient is the broadcast target for this channel.
	DefaultRecipient() string
}
