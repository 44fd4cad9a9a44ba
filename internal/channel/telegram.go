package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"larkgate/internal/domain"
	"larkgate/internal/lark"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram implements domain.Channel for Telegram, the second platform behind
// the gateway. Long polling, no webhook surface.
type Telegram struct {
	token     string
	allowFrom []int64 // Allowed user IDs (empty = allow all)

	bot    *tgbotapi.BotAPI
	bus    domain.MessageBus
	logger *slog.Logger
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // User IDs as strings
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		logger:    cfg.Logger,
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and begins polling for updates.
func (t *Telegram) Start(ctx context.Context, bus domain.MessageBus) error {
	t.bus = bus

	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	bus.OnOutbound("telegram", func(msg domain.OutboundMessage) {
		chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
		if err != nil {
			t.logger.Error("invalid chat ID for telegram outbound", "chatID", msg.ChatID, "err", err)
			return
		}
		t.sendMessage(chatID, msg.Text)
	})

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

// Stop is a no-op: the bot stops when Start's context is cancelled, and
// calling StopReceivingUpdates twice panics.
func (t *Telegram) Stop() error { return nil }

func (t *Telegram) Send(ctx context.Context, chatID string, content string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}
	t.sendMessage(id, content)
	return nil
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	chatType := domain.ChatGroup
	if update.Message.Chat.IsPrivate() {
		chatType = domain.ChatDirect
	}

	t.logger.Info("telegram message received",
		"user_id", userID,
		"chat_id", chatID,
		"text_len", len(text),
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)

	t.bus.Publish(domain.InternalMessage{
		ID:        strconv.Itoa(update.Message.MessageID),
		Channel:   "telegram",
		ChatID:    strconv.FormatInt(chatID, 10),
		ChatType:  chatType,
		SenderID:  strconv.FormatInt(userID, 10),
		Text:      text,
		Timestamp: time.Unix(int64(update.Message.Date), 0),
	})
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // Empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// sendMessage splits at the same semantic boundaries as the Lark side;
// Telegram caps messages around 4096 chars.
func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range lark.Split(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry on rate limiting.
func (t *Telegram) sendChunk(chatID int64, text string) {
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}
