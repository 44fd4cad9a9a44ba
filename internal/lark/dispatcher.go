package lark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"larkgate/internal/bus"
	"larkgate/internal/domain"
	"larkgate/internal/metrics"
)

// senderAPI is the slice of the API client the dispatcher needs.
type senderAPI interface {
	SendMessage(ctx context.Context, token, receiveID, msgType, content string) (*SendResult, error)
	ReplyMessage(ctx context.Context, token, messageID, msgType, content string) (*SendResult, error)
	UploadImage(ctx context.Context, token string, image []byte) (string, error)
}

// DispatcherConfig configures reply delivery for one account.
type DispatcherConfig struct {
	Account Account
	Tokens  *TokenSource
	API     senderAPI
	Logger  *slog.Logger
	Events  *bus.EventBus
	// TypingStart is invoked before the first chunk of a turn. Best effort:
	// failures are logged, never fatal. The platform has no typing indicator
	// API today, so the default is a no-op.
	TypingStart func(ctx context.Context, chatID string) error
	// OnIdle runs after a chat's queue drains, for bookkeeping.
	OnIdle func(chatID string)
	// HumanDelay is an artificial pause before each turn to avoid robotic
	// cadence.
	HumanDelay time.Duration
	TextLimit  int
	// FetchMedia resolves an outbound media URL to raw bytes. Defaults to a
	// plain HTTP GET.
	FetchMedia func(ctx context.Context, url string) ([]byte, error)
}

// Dispatcher serializes reply delivery per conversation: turns for the same
// chat go out in submission order even when produced concurrently, and chunks
// within a turn stay in sequence. Different chats have no mutual ordering.
type Dispatcher struct {
	cfg DispatcherConfig

	mu     sync.Mutex
	queues map[string]*chatQueue
}

type chatQueue struct {
	pending []*turn
	running bool
}

// turn is one complete outbound reply submission.
type turn struct {
	id   string
	ctx  context.Context
	msg  domain.OutboundMessage
	done chan error
}

// NewDispatcher creates a dispatcher for the account.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TextLimit <= 0 {
		cfg.TextLimit = DefaultTextLimit
	}
	if cfg.FetchMedia == nil {
		cfg.FetchMedia = fetchMediaHTTP
	}
	return &Dispatcher{cfg: cfg, queues: make(map[string]*chatQueue)}
}

// Enqueue submits a turn for its conversation and returns a channel that
// yields the delivery result once the turn completes.
func (d *Dispatcher) Enqueue(ctx context.Context, msg domain.OutboundMessage) <-chan error {
	t := &turn{
		id:   uuid.NewString(),
		ctx:  ctx,
		msg:  msg,
		done: make(chan error, 1),
	}

	d.mu.Lock()
	q, ok := d.queues[msg.ChatID]
	if !ok {
		q = &chatQueue{}
		d.queues[msg.ChatID] = q
	}
	q.pending = append(q.pending, t)
	if !q.running {
		q.running = true
		go d.drain(msg.ChatID, q)
	}
	d.mu.Unlock()

	return t.done
}

// Send submits a turn and blocks until it is delivered or fails.
func (d *Dispatcher) Send(ctx context.Context, msg domain.OutboundMessage) error {
	select {
	case err := <-d.Enqueue(ctx, msg):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain delivers queued turns for one chat in FIFO order, then exits.
func (d *Dispatcher) drain(chatID string, q *chatQueue) {
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			delete(d.queues, chatID)
			d.mu.Unlock()
			if d.cfg.OnIdle != nil {
				d.cfg.OnIdle(chatID)
			}
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		d.mu.Unlock()

		err := d.deliver(t)
		t.done <- err
	}
}

// deliver sends one turn: typing hint, human delay, token, split, chunks in
// order. A chunk failure aborts the remaining chunks and surfaces the error;
// already-sent chunks are not unwound.
func (d *Dispatcher) deliver(t *turn) error {
	log := d.cfg.Logger
	text := strings.TrimSpace(t.msg.Text)
	if text == "" && t.msg.MediaURL == "" {
		return nil
	}

	if d.cfg.TypingStart != nil {
		if err := d.cfg.TypingStart(t.ctx, t.msg.ChatID); err != nil {
			log.Debug("typing indicator failed", "chat_id", t.msg.ChatID, "err", err)
		}
	}

	if d.cfg.HumanDelay > 0 {
		select {
		case <-t.ctx.Done():
			return t.ctx.Err()
		case <-time.After(d.cfg.HumanDelay):
		}
	}

	token, err := d.cfg.Tokens.Token(t.ctx, d.cfg.Account)
	if err != nil {
		d.failTurn(t, err)
		return err
	}

	if t.msg.MediaURL != "" {
		if err := d.sendMedia(t, token); err != nil {
			d.failTurn(t, err)
			return err
		}
	}

	if text != "" {
		replyTo := t.msg.ReplyToID
		mentionIDs := t.msg.MentionIDs
		for i, chunk := range Split(text, d.cfg.TextLimit) {
			content := ToPlatform(chunk, mentionIDs)
			if err := d.sendChunk(t.ctx, token, t.msg.ChatID, replyTo, content); err != nil {
				log.Error("chunk delivery failed, aborting turn",
					"turn", t.id, "chat_id", t.msg.ChatID, "chunk", i, "err", err)
				d.failTurn(t, err)
				return err
			}
			// Reply linkage and leading mentions apply to the first chunk only.
			replyTo = ""
			mentionIDs = nil
		}
	}

	metrics.RepliesSent.Inc()
	d.emit(bus.EventReplySent, map[string]any{"turn": t.id, "chat_id": t.msg.ChatID})
	return nil
}

// sendChunk sends one chunk, refreshing the token once if the platform says
// the current one is no longer valid.
func (d *Dispatcher) sendChunk(ctx context.Context, token, chatID, replyTo string, content OutboundContent) error {
	err := d.sendOnce(ctx, token, chatID, replyTo, content)
	if !isAuthFailure(err) {
		return err
	}

	d.cfg.Tokens.Invalidate(d.cfg.Account)
	fresh, terr := d.cfg.Tokens.Token(ctx, d.cfg.Account)
	if terr != nil {
		return terr
	}
	return d.sendOnce(ctx, fresh, chatID, replyTo, content)
}

func (d *Dispatcher) sendOnce(ctx context.Context, token, chatID, replyTo string, content OutboundContent) error {
	var err error
	if replyTo != "" {
		_, err = d.cfg.API.ReplyMessage(ctx, token, replyTo, content.MsgType, content.Content)
	} else {
		_, err = d.cfg.API.SendMessage(ctx, token, chatID, content.MsgType, content.Content)
	}
	return err
}

// sendMedia fetches the referenced media, uploads it, and sends it as an
// image message linked to the reply target when present.
func (d *Dispatcher) sendMedia(t *turn, token string) error {
	data, err := d.cfg.FetchMedia(t.ctx, t.msg.MediaURL)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	key, err := d.cfg.API.UploadImage(t.ctx, token, data)
	if err != nil {
		return fmt.Errorf("upload media: %w", err)
	}
	content := OutboundContent{MsgType: "image", Content: FormatImageContent(key)}
	return d.sendChunk(t.ctx, token, t.msg.ChatID, t.msg.ReplyToID, content)
}

func (d *Dispatcher) failTurn(t *turn, err error) {
	metrics.ReplyFailures.Inc()
	d.emit(bus.EventReplyFailed, map[string]any{
		"turn":    t.id,
		"chat_id": t.msg.ChatID,
		"error":   err.Error(),
	})
}

func (d *Dispatcher) emit(eventType string, payload map[string]any) {
	if d.cfg.Events == nil {
		return
	}
	d.cfg.Events.Emit(bus.Event{
		Type:    eventType,
		Source:  ChannelName + ":" + d.cfg.Account.AccountID,
		Payload: payload,
	})
}

func isAuthFailure(err error) bool {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return te.Code == codeAuthFailed || te.HTTPStatus == http.StatusUnauthorized
	}
	return false
}

func fetchMediaHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch media: HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}
