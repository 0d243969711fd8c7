// Package bus carries messages and observability events between the channel
// layer and the agent loop.
package bus

import "strings"

// SystemChannel marks messages originated by the runtime itself (sub-agent
// announcements, cron firings) rather than a user-facing channel.
const SystemChannel = "system"

// DefaultChannel is where system-originated replies route when the origin
// cannot be determined.
const DefaultChannel = "cli"

// Origin identifies the user-facing conversation a system-originated message
// should route its reply back to.
type Origin struct {
	Channel string
	ChatID  string
}

// SessionKey returns the session identifier for this origin.
func (o Origin) SessionKey() string {
	return o.Channel + ":" + o.ChatID
}

// ParseOrigin recovers an Origin from the legacy composite routing key
// "channel:chat_id". A key without a separator falls back to DefaultChannel
// with the whole key as chat id; this is ambiguous when chat ids legitimately
// contain no colon, which is why new producers set InboundMessage.Origin
// explicitly instead.
func ParseOrigin(key string) Origin {
	if channel, chatID, ok := strings.Cut(key, ":"); ok {
		return Origin{Channel: channel, ChatID: chatID}
	}
	return Origin{Channel: DefaultChannel, ChatID: key}
}

// InboundMessage is a message entering the agent loop.
//
// For user-originated messages Channel/ChatID identify the conversation. For
// system-originated messages Channel is SystemChannel and Origin carries the
// conversation to route the reply to; ChatID may additionally hold the legacy
// composite key for producers that predate the explicit envelope.
type InboundMessage struct {
	Channel  string
	SenderID string
	ChatID   string
	Content  string
	Media    []string
	Metadata map[string]any
	Origin   *Origin
}

// SessionKey returns the conversation identity used for session lookup.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// ResolveOrigin returns the reply routing for a system-originated message,
// preferring the explicit envelope over the legacy composite chat id.
func (m *InboundMessage) ResolveOrigin() Origin {
	if m.Origin != nil {
		return *m.Origin
	}
	return ParseOrigin(m.ChatID)
}

// OutboundMessage is a reply leaving the agent loop toward a channel adapter.
// Metadata passes through channel-specific needs (e.g. a Slack thread_ts).
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Metadata map[string]any
}
