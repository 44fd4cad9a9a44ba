// Package lark implements the Lark/Feishu channel adapter: webhook
// authentication and decryption, message normalization, token lifecycle,
// outbound chunking, and paced reply dispatch.
package lark

import (
	"encoding/json"
	"strings"
	"time"
)

// Account is one Lark app identity plus its security settings and policy
// toggles. Supplied by external configuration; read-only to this package.
type Account struct {
	AccountID         string
	AppID             string
	AppSecret         string
	EncryptKey        string // 32 chars when set; enables decryption + signature checks
	VerificationToken string
	Enabled           bool
	RequireMention    bool // group chats: only react when the bot is @-mentioned
	DMPolicy          string
	AllowFrom         []string
	TextLimit         int
	HumanDelay        time.Duration
}

// --- Webhook wire format ---

// EventHeader is the envelope header of a v2 webhook event.
type EventHeader struct {
	EventID    string `json:"event_id"`
	EventType  string `json:"event_type"`
	CreateTime string `json:"create_time"`
	Token      string `json:"token"`
	AppID      string `json:"app_id"`
	TenantKey  string `json:"tenant_key"`
}

// WebhookEvent is a decrypted (or plaintext) webhook envelope.
type WebhookEvent struct {
	Schema string          `json:"schema"`
	Header EventHeader     `json:"header"`
	Event  json.RawMessage `json:"event"`
}

// eventTypeMessageReceive is the only event type this adapter processes.
const eventTypeMessageReceive = "im.message.receive_v1"

// messageReceiveEvent is the body of an im.message.receive_v1 event.
type messageReceiveEvent struct {
	Sender struct {
		SenderID struct {
			OpenID  string `json:"open_id"`
			UserID  string `json:"user_id"`
			UnionID string `json:"union_id"`
		} `json:"sender_id"`
		SenderType string `json:"sender_type"`
		TenantKey  string `json:"tenant_key"`
	} `json:"sender"`
	Message struct {
		MessageID   string `json:"message_id"`
		RootID      string `json:"root_id"`
		ParentID    string `json:"parent_id"`
		CreateTime  string `json:"create_time"`
		ChatID      string `json:"chat_id"`
		ChatType    string `json:"chat_type"`
		MessageType string `json:"message_type"`
		Content     string `json:"content"` // nested JSON string
		Mentions    []struct {
			Key string `json:"key"`
			ID  struct {
				OpenID  string `json:"open_id"`
				UserID  string `json:"user_id"`
				UnionID string `json:"union_id"`
			} `json:"id"`
			Name string `json:"name"`
		} `json:"mentions"`
	} `json:"message"`
}

// Mention is a placeholder-to-user binding inside a message.
type Mention struct {
	Key  string
	ID   string
	Name string
}

// ParsedMessage is the decoded form of one inbound platform message.
type ParsedMessage struct {
	MessageID   string
	ChatID      string
	ChatType    string // "p2p" or "group"
	SenderID    string
	SenderType  string
	MessageType string
	Content     map[string]any
	Mentions    []Mention
	CreateTime  int64 // milliseconds
	RootID      string
	ParentID    string
	TenantKey   string
	AppID       string
}

// --- API wire format ---

// apiResponse is the common platform API envelope.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// TokenResponse is the tenant token issuance response (flat, not enveloped).
type TokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int    `json:"expire"` // seconds
}

// SendResult is the payload of a successful send/reply call.
type SendResult struct {
	MessageID string `json:"message_id"`
	RootID    string `json:"root_id"`
	ParentID  string `json:"parent_id"`
	MsgType   string `json:"msg_type"`
	ChatID    string `json:"chat_id"`
}

// UploadImageResult is the payload of a successful image upload.
type UploadImageResult struct {
	ImageKey string `json:"image_key"`
}

// postElement is one typed element of a rich-text (post) paragraph.
type postElement struct {
	Tag      string `json:"tag"` // "text" | "a" | "at" | "img"
	Text     string `json:"text,omitempty"`
	Href     string `json:"href,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	ImageKey string `json:"image_key,omitempty"`
}

// postBody is one locale variant of a post message.
type postBody struct {
	Title   string          `json:"title,omitempty"`
	Content [][]postElement `json:"content"`
}

// postContent is the localized post document. zh_cn is preferred on read.
type postContent struct {
	ZhCn *postBody `json:"zh_cn,omitempty"`
	EnUs *postBody `json:"en_us,omitempty"`
}

// --- Platform error codes ---

const (
	codeSuccess          = 0
	codeAppIDNotExist    = 10003
	codeAppSecretError   = 10014
	codeInvalidParams    = 99991400
	codeAuthFailed       = 99991401
	codePermissionDenied = 99991402
	codeRateLimited      = 99991429
)

// supportedMessageTypes is the allow-list of message kinds the adapter can
// normalize. Anything else gets an informational reply.
var supportedMessageTypes = []string{"text", "post", "image", "file"}

// isSupportedMessageType reports whether the kind is on the allow-list.
func isSupportedMessageType(t string) bool {
	for _, s := range supportedMessageTypes {
		if s == t {
			return true
		}
	}
	return false
}

// unsupportedReplyText builds the localized explanation sent back for
// unrecognized message kinds.
func unsupportedReplyText(messageType string) string {
	return "暂不支持此消息类型 (" + messageType + ")。目前支持的类型: " +
		strings.Join(supportedMessageTypes, ", ")
}
