// Package agent is a minimal stand-in for the external runtime: it consumes
// normalized messages from the bus and replies through the same bus. Real
// deployments point the gateway at their own consumer instead.
package agent

import (
	"context"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"larkgate/internal/domain"
)

const systemPrompt = "You are a concise assistant replying inside a chat application. Keep answers short."

// Responder answers inbound messages with an OpenAI-compatible chat API.
type Responder struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

type ResponderConfig struct {
	APIBase string // optional override for OpenAI-compatible endpoints
	APIKey  string
	Model   string
	Logger  *slog.Logger
}

func NewResponder(cfg ResponderConfig) *Responder {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		clientCfg.BaseURL = cfg.APIBase
	}
	return &Responder{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: cfg.Logger,
	}
}

// Run consumes the bus until the context is cancelled or the bus closes.
// Each message is answered on its own goroutine; per-conversation ordering is
// the reply dispatcher's job, not ours.
func (r *Responder) Run(ctx context.Context, bus domain.MessageBus) {
	inbound := bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			go r.respond(ctx, bus, msg)
		}
	}
}

func (r *Responder) respond(ctx context.Context, bus domain.MessageBus, msg domain.InternalMessage) {
	if msg.Text == "" {
		return
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: msg.Text},
		},
	})
	if err != nil {
		r.logger.Error("chat completion failed", "chat_id", msg.ChatID, "err", err)
		return
	}
	if len(resp.Choices) == 0 {
		r.logger.Warn("chat completion returned no choices", "chat_id", msg.ChatID)
		return
	}

	bus.SendOutbound(domain.OutboundMessage{
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		Text:      resp.Choices[0].Message.Content,
		ReplyToID: msg.ID,
	})
}
