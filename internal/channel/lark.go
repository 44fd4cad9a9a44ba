package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"larkgate/internal/bus"
	"larkgate/internal/config"
	"larkgate/internal/domain"
	"larkgate/internal/lark"
	"larkgate/internal/metrics"
)

// LarkConfig configures the Lark channel host.
type LarkConfig struct {
	BindAddr    string
	Accounts    map[string]config.LarkAccount
	Dedup       lark.DedupStore // optional
	Events      *bus.EventBus   // optional
	MetricsPath string          // optional, e.g. /metrics
	Logger      *slog.Logger
}

// Lark hosts the webhook ingestion endpoint and outbound dispatch for every
// configured Lark account behind one HTTP server.
type Lark struct {
	bindAddr    string
	accounts    map[string]lark.Account
	dedup       lark.DedupStore
	events      *bus.EventBus
	metricsPath string
	logger      *slog.Logger

	api    *lark.Client
	tokens *lark.TokenSource
	bus    domain.MessageBus
	server *http.Server

	dispatchers map[string]*lark.Dispatcher
	// chatAccounts remembers which account last saw a chat, to route
	// outbound replies. Falls back to the first enabled account.
	chatAccounts sync.Map // chatID -> accountID
}

// NewLark creates the Lark channel from per-account configuration.
func NewLark(cfg LarkConfig) *Lark {
	api := lark.NewClient(cfg.Logger)
	tokens := lark.NewTokenSource(api, cfg.Logger)

	accounts := make(map[string]lark.Account, len(cfg.Accounts))
	dispatchers := make(map[string]*lark.Dispatcher, len(cfg.Accounts))
	for id, ac := range cfg.Accounts {
		account := toAccount(id, ac)
		if !account.Enabled {
			cfg.Logger.Info("lark account disabled, skipping", "account", id)
			continue
		}
		accounts[id] = account
		dispatchers[id] = lark.NewDispatcher(lark.DispatcherConfig{
			Account:    account,
			Tokens:     tokens,
			API:        api,
			Logger:     cfg.Logger,
			Events:     cfg.Events,
			HumanDelay: account.HumanDelay,
			TextLimit:  account.TextLimit,
		})
	}

	return &Lark{
		bindAddr:    cfg.BindAddr,
		accounts:    accounts,
		dedup:       cfg.Dedup,
		events:      cfg.Events,
		metricsPath: cfg.MetricsPath,
		logger:      cfg.Logger,
		api:         api,
		tokens:      tokens,
		dispatchers: dispatchers,
	}
}

func toAccount(id string, ac config.LarkAccount) lark.Account {
	return lark.Account{
		AccountID:         id,
		AppID:             ac.AppID,
		AppSecret:         ac.AppSecret,
		EncryptKey:        ac.EncryptKey,
		VerificationToken: ac.VerificationToken,
		Enabled:           ac.IsEnabled(),
		RequireMention:    ac.MentionRequired(),
		DMPolicy:          ac.DMPolicy,
		AllowFrom:         ac.AllowFrom,
		TextLimit:         ac.TextLimit,
		HumanDelay:        time.Duration(ac.HumanDelayMs) * time.Millisecond,
	}
}

func (l *Lark) Name() string { return lark.ChannelName }

// Start registers webhook routes for each enabled account and serves until
// the context is cancelled.
func (l *Lark) Start(ctx context.Context, messageBus domain.MessageBus) error {
	l.bus = messageBus

	mux := http.NewServeMux()
	for id, account := range l.accounts {
		account := account
		handler := lark.NewHandler(lark.HandlerConfig{
			Account:       account,
			OnMessage:     l.onMessage(account),
			OnUnsupported: l.onUnsupported(account),
			Dedup:         l.dedup,
			Events:        l.events,
			Logger:        l.logger.With("account", id),
		})
		path := "/webhook/lark/" + id
		mux.Handle(path, handler)
		l.logger.Info("lark webhook registered", "account", id, "path", path)
	}
	if l.metricsPath != "" {
		mux.HandleFunc(l.metricsPath, metrics.Collector.Handler())
	}

	l.server = &http.Server{
		Addr:              l.bindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	messageBus.OnOutbound(lark.ChannelName, l.handleOutbound(ctx))

	l.logger.Info("lark webhook server starting", "addr", l.bindAddr, "accounts", len(l.accounts))

	errCh := make(chan error, 1)
	go func() {
		if err := l.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("lark webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return l.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("lark webhook server: %w", err)
	}
}

// Stop is a no-op: the server stops when Start's context is cancelled.
func (l *Lark) Stop() error { return nil }

// Send delivers plain text to a chat through the per-conversation queue.
func (l *Lark) Send(ctx context.Context, chatID string, content string) error {
	dispatcher, _, err := l.route(chatID)
	if err != nil {
		return err
	}
	return dispatcher.Send(ctx, domain.OutboundMessage{
		Channel: lark.ChannelName,
		ChatID:  chatID,
		Text:    content,
	})
}

// onMessage applies the account's policy gates and publishes the normalized
// message onto the bus.
func (l *Lark) onMessage(account lark.Account) func(context.Context, *lark.ParsedMessage) error {
	return func(ctx context.Context, msg *lark.ParsedMessage) error {
		internal := lark.ToInternal(msg)

		if internal.ChatType == domain.ChatGroup && account.RequireMention && !lark.IsBotMentioned(msg, "") {
			l.logger.Debug("group message without mention ignored",
				"account", account.AccountID, "chat_id", msg.ChatID)
			return nil
		}
		if internal.ChatType == domain.ChatDirect && !l.dmAllowed(account, msg.SenderID) {
			l.logger.Warn("dm sender not in allow list",
				"account", account.AccountID, "sender", msg.SenderID)
			return nil
		}

		l.chatAccounts.Store(msg.ChatID, account.AccountID)
		l.logger.Info("lark message received",
			"account", account.AccountID,
			"chat_id", msg.ChatID,
			"msg_type", msg.MessageType,
			"text_len", len(internal.Text),
		)
		l.bus.Publish(internal)
		return nil
	}
}

// dmAllowed implements the DM allow policy: "open" accepts anyone; the
// default allowlist restricts to AllowFrom, with an empty list allowing all.
func (l *Lark) dmAllowed(account lark.Account, senderID string) bool {
	if account.DMPolicy == "open" || len(account.AllowFrom) == 0 {
		return true
	}
	for _, id := range account.AllowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}

// onUnsupported replies to the originating message explaining which kinds
// are supported.
func (l *Lark) onUnsupported(account lark.Account) func(context.Context, *lark.ParsedMessage, string) error {
	return func(ctx context.Context, msg *lark.ParsedMessage, replyText string) error {
		token, err := l.tokens.Token(ctx, account)
		if err != nil {
			return err
		}
		_, err = l.api.ReplyMessage(ctx, token, msg.MessageID, "text", lark.FormatTextContent(replyText))
		return err
	}
}

// handleOutbound enqueues bus replies onto the right account's dispatcher.
// Delivery errors surface through telemetry; the bus hand-off is fire and
// forget.
func (l *Lark) handleOutbound(ctx context.Context) func(domain.OutboundMessage) {
	return func(msg domain.OutboundMessage) {
		dispatcher, accountID, err := l.route(msg.ChatID)
		if err != nil {
			l.logger.Error("no lark account for outbound message", "chat_id", msg.ChatID)
			return
		}
		done := dispatcher.Enqueue(ctx, msg)
		go func() {
			if err := <-done; err != nil {
				l.logger.Error("lark reply failed",
					"account", accountID, "chat_id", msg.ChatID, "err", err)
			}
		}()
	}
}

func (l *Lark) route(chatID string) (*lark.Dispatcher, string, error) {
	if v, ok := l.chatAccounts.Load(chatID); ok {
		if d, ok := l.dispatchers[v.(string)]; ok {
			return d, v.(string), nil
		}
	}
	for id, d := range l.dispatchers {
		return d, id, nil
	}
	return nil, "", fmt.Errorf("no enabled lark account")
}
