package domain

import "time"

// ChatType is the canonical conversation kind. Every platform vocabulary
// collapses to exactly these two values.
type ChatType string

const (
	ChatDirect ChatType = "dm"
	ChatGroup  ChatType = "group"
)

// MediaType classifies an attached media reference.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaFile  MediaType = "file"
)

// Mention is a resolved user reference carried by an inbound message.
type Mention struct {
	ID   string
	Name string
}

// InternalMessage is the platform-agnostic inbound message the rest of the
// system consumes. It is derived once from the platform payload and immutable
// after construction; mention placeholders are already substituted into Text.
type InternalMessage struct {
	ID        string
	Channel   string
	ChatID    string
	ChatType  ChatType
	SenderID  string
	Text      string
	MediaURL  string // private URI scheme, resolved lazily by a downstream fetcher
	MediaType MediaType
	ReplyToID string
	ThreadID  string
	Mentions  []Mention
	Timestamp time.Time
}

// OutboundMessage is one reply produced by the agent runtime. Consumed exactly
// once per delivery attempt.
type OutboundMessage struct {
	Channel    string
	ChatID     string
	Text       string
	MediaURL   string
	ReplyToID  string   // reply linkage applies to the first chunk only
	MentionIDs []string // users to @-mention at the start of the reply
}
