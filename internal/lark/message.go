package lark

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"larkgate/internal/domain"
)

// ChannelName tags every internal message produced by this adapter.
const ChannelName = "lark"

// parseMessageEvent decodes an im.message.receive_v1 event body. The message
// content is itself a nested JSON string; if it fails to parse the content is
// left empty rather than aborting the event.
func parseMessageEvent(event *WebhookEvent, logger *slog.Logger) (*ParsedMessage, error) {
	var body messageReceiveEvent
	if err := json.Unmarshal(event.Event, &body); err != nil {
		return nil, fmt.Errorf("decode message event: %w", err)
	}

	content := map[string]any{}
	if err := json.Unmarshal([]byte(body.Message.Content), &content); err != nil {
		logger.Warn("failed to parse message content", "content", body.Message.Content)
		content = map[string]any{}
	}

	createTime, _ := strconv.ParseInt(body.Message.CreateTime, 10, 64)

	mentions := make([]Mention, 0, len(body.Message.Mentions))
	for _, m := range body.Message.Mentions {
		mentions = append(mentions, Mention{Key: m.Key, ID: m.ID.OpenID, Name: m.Name})
	}

	return &ParsedMessage{
		MessageID:   body.Message.MessageID,
		ChatID:      body.Message.ChatID,
		ChatType:    body.Message.ChatType,
		SenderID:    body.Sender.SenderID.OpenID,
		SenderType:  body.Sender.SenderType,
		MessageType: body.Message.MessageType,
		Content:     content,
		Mentions:    mentions,
		CreateTime:  createTime,
		RootID:      body.Message.RootID,
		ParentID:    body.Message.ParentID,
		TenantKey:   body.Sender.TenantKey,
		AppID:       event.Header.AppID,
	}, nil
}

// ToInternal converts a parsed platform message into the canonical internal
// message. Mention placeholders are substituted, rich text is flattened, and
// media becomes a lazy lark:// reference.
func ToInternal(msg *ParsedMessage) domain.InternalMessage {
	mediaURL, mediaType := extractMedia(msg)

	chatType := domain.ChatGroup
	if msg.ChatType == "p2p" {
		chatType = domain.ChatDirect
	}

	return domain.InternalMessage{
		ID:        msg.MessageID,
		Channel:   ChannelName,
		ChatID:    msg.ChatID,
		ChatType:  chatType,
		SenderID:  msg.SenderID,
		Text:      extractText(msg),
		MediaURL:  mediaURL,
		MediaType: mediaType,
		ReplyToID: msg.ParentID,
		ThreadID:  msg.RootID,
		Mentions: lo.Map(msg.Mentions, func(m Mention, _ int) domain.Mention {
			return domain.Mention{ID: m.ID, Name: m.Name}
		}),
		Timestamp: time.UnixMilli(msg.CreateTime),
	}
}

func extractText(msg *ParsedMessage) string {
	switch msg.MessageType {
	case "text":
		text, _ := msg.Content["text"].(string)
		for _, m := range msg.Mentions {
			text = strings.ReplaceAll(text, m.Key, "@"+m.Name)
		}
		return text
	case "post":
		return extractPostText(msg.Content, msg.Mentions)
	default:
		// Media messages may not have text.
		return ""
	}
}

// extractPostText flattens a localized post document: prefer zh_cn, fall back
// to en_us; title line, blank line, then paragraphs joined by newlines.
func extractPostText(content map[string]any, mentions []Mention) string {
	data, err := json.Marshal(content)
	if err != nil {
		return ""
	}
	var post postContent
	if err := json.Unmarshal(data, &post); err != nil {
		return ""
	}

	body := post.ZhCn
	if body == nil {
		body = post.EnUs
	}
	if body == nil {
		return ""
	}

	var lines []string
	if body.Title != "" {
		lines = append(lines, body.Title, "")
	}
	for _, paragraph := range body.Content {
		var parts []string
		for _, element := range paragraph {
			parts = append(parts, renderPostElement(element, mentions))
		}
		lines = append(lines, strings.Join(parts, ""))
	}

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func renderPostElement(element postElement, mentions []Mention) string {
	switch element.Tag {
	case "text":
		return element.Text
	case "a":
		if element.Text == "" {
			return ""
		}
		return "[" + element.Text + "](" + element.Href + ")"
	case "at":
		if m, ok := lo.Find(mentions, func(m Mention) bool { return m.ID == element.UserID }); ok {
			return "@" + m.Name
		}
		return "@user"
	case "img":
		return "[图片]"
	default:
		return ""
	}
}

// extractMedia builds the lazy media reference for image/file messages:
// lark://message/<messageID>/<kind>/<storageKey>.
func extractMedia(msg *ParsedMessage) (string, domain.MediaType) {
	switch msg.MessageType {
	case "image":
		if key, _ := msg.Content["image_key"].(string); key != "" {
			return fmt.Sprintf("lark://message/%s/image/%s", msg.MessageID, key), domain.MediaImage
		}
	case "file":
		if key, _ := msg.Content["file_key"].(string); key != "" {
			return fmt.Sprintf("lark://message/%s/file/%s", msg.MessageID, key), domain.MediaFile
		}
	}
	return "", ""
}

// --- Outbound conversion ---

// OutboundContent is a platform-ready message body.
type OutboundContent struct {
	MsgType string
	Content string // JSON string
}

var linkPattern = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)

// ToPlatform encodes outbound text. Plain text encoding unless the text needs
// the rich (post) format: fenced code, paragraph breaks, markdown links, or
// explicit mention targets.
func ToPlatform(text string, mentionIDs []string) OutboundContent {
	if needsPostFormat(text) || len(mentionIDs) > 0 {
		return formatAsPost(text, mentionIDs)
	}
	return OutboundContent{MsgType: "text", Content: FormatTextContent(text)}
}

func needsPostFormat(text string) bool {
	return strings.Contains(text, "```") ||
		strings.Contains(text, "\n\n") ||
		linkPattern.MatchString(text)
}

func formatAsPost(text string, mentionIDs []string) OutboundContent {
	var content [][]postElement

	if len(mentionIDs) > 0 {
		paragraph := lo.Map(mentionIDs, func(id string, _ int) postElement {
			return postElement{Tag: "at", UserID: id}
		})
		paragraph = append(paragraph, postElement{Tag: "text", Text: " "})
		content = append(content, paragraph)
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		elements := parsePostElements(paragraph)
		if len(elements) > 0 {
			content = append(content, elements)
		}
	}

	body, _ := json.Marshal(postContent{ZhCn: &postBody{Content: content}})
	return OutboundContent{MsgType: "post", Content: string(body)}
}

var codeFenceLang = regexp.MustCompile(`^\w+\n`)

// parsePostElements turns one paragraph into typed post elements: a fenced
// code paragraph becomes a single text element with the language hint
// stripped; otherwise markdown links are scanned out left to right.
func parsePostElements(text string) []postElement {
	if strings.HasPrefix(text, "```") && strings.HasSuffix(text, "```") && len(text) >= 6 {
		code := strings.TrimSuffix(strings.TrimPrefix(text, "```"), "```")
		code = codeFenceLang.ReplaceAllString(code, "")
		return []postElement{{Tag: "text", Text: code}}
	}

	var elements []postElement
	last := 0
	for _, match := range linkPattern.FindAllStringSubmatchIndex(text, -1) {
		if match[0] > last {
			elements = append(elements, postElement{Tag: "text", Text: text[last:match[0]]})
		}
		elements = append(elements, postElement{
			Tag:  "a",
			Text: text[match[2]:match[3]],
			Href: text[match[4]:match[5]],
		})
		last = match[1]
	}
	if last < len(text) {
		elements = append(elements, postElement{Tag: "text", Text: text[last:]})
	}

	if len(elements) == 0 && text != "" {
		elements = append(elements, postElement{Tag: "text", Text: text})
	}
	return elements
}

// FormatTextContent wraps plain text in the platform's text content body.
func FormatTextContent(text string) string {
	body, _ := json.Marshal(map[string]string{"text": text})
	return string(body)
}

// FormatImageContent wraps an uploaded image key in an image content body.
func FormatImageContent(imageKey string) string {
	body, _ := json.Marshal(map[string]string{"image_key": imageKey})
	return string(body)
}

// IsBotMentioned reports whether the bot appears in the message mentions.
// With an empty botOpenID any mention counts, matching the require-mention
// group policy before the bot id is known.
func IsBotMentioned(msg *ParsedMessage, botOpenID string) bool {
	if len(msg.Mentions) == 0 {
		return false
	}
	if botOpenID == "" {
		return true
	}
	return lo.SomeBy(msg.Mentions, func(m Mention) bool { return m.ID == botOpenID })
}
