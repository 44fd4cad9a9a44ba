package lark

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"larkgate/internal/bus"
	"larkgate/internal/metrics"
)

// DedupStore answers whether a platform event id was already processed. The
// platform redelivers events it considers unacknowledged, so the pipeline
// drops exact repeats before invoking the handler.
type DedupStore interface {
	Seen(eventID string) (bool, error)
}

// HandlerConfig wires one account's ingestion pipeline.
type HandlerConfig struct {
	Account Account
	// OnMessage receives each supported, parsed message. Errors are logged
	// and counted but never change the HTTP response: the platform must not
	// redeliver on handler-internal failure.
	OnMessage func(ctx context.Context, msg *ParsedMessage) error
	// OnUnsupported receives messages whose kind is off the allow-list,
	// along with a localized reply text enumerating the supported kinds.
	OnUnsupported func(ctx context.Context, msg *ParsedMessage, replyText string) error
	Dedup         DedupStore    // optional
	Events        *bus.EventBus // optional telemetry
	Logger        *slog.Logger
}

// Handler is the webhook ingestion pipeline for one account:
// authenticate, decode, normalize, forward.
type Handler struct {
	cfg HandlerConfig
}

// Request headers carrying the signature triple. Used together or not at all.
const (
	headerTimestamp = "X-Lark-Request-Timestamp"
	headerNonce     = "X-Lark-Request-Nonce"
	headerSignature = "X-Lark-Signature"
)

// NewHandler creates the ingestion pipeline for an account.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg}
}

// ServeHTTP adapts the pipeline to net/http.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	status, resp := h.Handle(r.Context(), body, r.Header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if resp != nil {
		json.NewEncoder(w).Encode(resp)
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB max
}

// Handle runs one webhook invocation through the state machine:
// Received -> {ChallengeAck | Decrypted | Plaintext} -> Verified ->
// {MessageEvent | OtherEvent | UnsupportedKind}.
func (h *Handler) Handle(ctx context.Context, rawBody []byte, headers http.Header) (int, any) {
	account := h.cfg.Account
	log := h.cfg.Logger
	metrics.WebhooksReceived.Inc()

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(rawBody, &probe); err != nil {
		log.Error("malformed webhook body")
		return http.StatusBadRequest, map[string]string{"error": "Invalid JSON"}
	}

	// URL-verification handshake.
	if challenge, ok := parseChallenge(rawBody); ok {
		if account.VerificationToken != "" && challenge.Token != account.VerificationToken {
			log.Warn("challenge token mismatch")
			h.reject("challenge token mismatch")
			return http.StatusUnauthorized, map[string]string{"error": "Invalid token"}
		}
		return http.StatusOK, map[string]string{"challenge": challenge.Challenge}
	}

	// Encrypted envelope or already-plaintext event.
	var event *WebhookEvent
	if encrypted, ok := probe["encrypt"]; ok {
		if account.EncryptKey == "" {
			log.Error("received encrypted event but no encrypt key configured")
			return http.StatusBadRequest, map[string]string{"error": "Encryption not configured"}
		}
		var payload string
		if err := json.Unmarshal(encrypted, &payload); err != nil {
			return http.StatusBadRequest, map[string]string{"error": "Invalid JSON"}
		}
		decrypted, err := DecryptEvent(payload, account.EncryptKey)
		if err != nil {
			log.Error("failed to decrypt event", "err", err)
			h.reject("decryption failed")
			return http.StatusBadRequest, map[string]string{"error": "Decryption failed"}
		}
		event = decrypted
	} else {
		event = &WebhookEvent{}
		if err := json.Unmarshal(rawBody, event); err != nil {
			return http.StatusBadRequest, map[string]string{"error": "Invalid JSON"}
		}
	}

	// Signature headers are used all-or-nothing: verify when all three are
	// present and a key is configured, otherwise treat the request as unsigned.
	if account.EncryptKey != "" {
		timestamp := headers.Get(headerTimestamp)
		nonce := headers.Get(headerNonce)
		signature := headers.Get(headerSignature)
		if timestamp != "" && nonce != "" && signature != "" {
			if !VerifySignature(rawBody, timestamp, nonce, signature, account.EncryptKey) {
				log.Warn("signature verification failed")
				h.reject("invalid signature")
				return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
			}
		}
	}

	if account.VerificationToken != "" && event.Header.Token != account.VerificationToken {
		log.Warn("event token mismatch")
		h.reject("event token mismatch")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid token"}
	}

	if event.Header.EventType != eventTypeMessageReceive {
		log.Debug("ignoring event type", "event_type", event.Header.EventType)
		return http.StatusOK, nil
	}

	msg, err := parseMessageEvent(event, log)
	if err != nil {
		log.Error("cannot parse message event", "err", err)
		// Acknowledge: the payload authenticated, redelivery won't help.
		return http.StatusOK, nil
	}

	if h.cfg.Dedup != nil && event.Header.EventID != "" {
		seen, err := h.cfg.Dedup.Seen(event.Header.EventID)
		if err != nil {
			log.Warn("dedup check failed, processing anyway", "err", err)
		} else if seen {
			log.Info("duplicate event dropped", "event_id", event.Header.EventID)
			metrics.DuplicateEvents.Inc()
			h.emit(bus.EventMessageDuplicate, map[string]any{"event_id": event.Header.EventID})
			return http.StatusOK, nil
		}
	}

	if !isSupportedMessageType(msg.MessageType) {
		log.Warn("unsupported message type", "message_type", msg.MessageType)
		metrics.UnsupportedKinds.Inc()
		h.emit(bus.EventUnsupportedKind, map[string]any{"message_type": msg.MessageType})
		if h.cfg.OnUnsupported != nil {
			if err := h.cfg.OnUnsupported(ctx, msg, unsupportedReplyText(msg.MessageType)); err != nil {
				log.Error("unsupported-kind reply failed", "err", err)
			}
		}
		return http.StatusOK, nil
	}

	metrics.MessagesReceived.Inc()
	h.emit(bus.EventMessageReceived, map[string]any{
		"message_id": msg.MessageID,
		"chat_id":    msg.ChatID,
		"msg_type":   msg.MessageType,
	})

	if h.cfg.OnMessage != nil {
		if err := h.cfg.OnMessage(ctx, msg); err != nil {
			// Swallowed at this boundary by design; observable via telemetry.
			log.Error("message handler failed", "message_id", msg.MessageID, "err", err)
			metrics.HandlerErrors.Inc()
			h.emit(bus.EventHandlerError, map[string]any{
				"message_id": msg.MessageID,
				"error":      err.Error(),
			})
		}
	}

	return http.StatusOK, nil
}

func (h *Handler) reject(reason string) {
	metrics.WebhooksRejected.Inc()
	h.emit(bus.EventWebhookRejected, map[string]any{"reason": reason})
}

func (h *Handler) emit(eventType string, payload map[string]any) {
	if h.cfg.Events == nil {
		return
	}
	h.cfg.Events.Emit(bus.Event{
		Type:    eventType,
		Source:  ChannelName + ":" + h.cfg.Account.AccountID,
		Payload: payload,
	})
}
