package lark

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"larkgate/internal/domain"
)

// recordingAPI captures every send in order and can be scripted to fail.
type recordingAPI struct {
	mu    sync.Mutex
	calls []apiCall
	// failWith is returned once per queued error, in order.
	failWith []error
}

type apiCall struct {
	op      string // "send" | "reply" | "upload"
	token   string
	target  string // receiveID or messageID
	msgType string
	content string
}

func (r *recordingAPI) nextErr() error {
	if len(r.failWith) == 0 {
		return nil
	}
	err := r.failWith[0]
	r.failWith = r.failWith[1:]
	return err
}

func (r *recordingAPI) SendMessage(ctx context.Context, token, receiveID, msgType, content string) (*SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.nextErr(); err != nil {
		return nil, err
	}
	r.calls = append(r.calls, apiCall{op: "send", token: token, target: receiveID, msgType: msgType, content: content})
	return &SendResult{MessageID: "om_sent"}, nil
}

func (r *recordingAPI) ReplyMessage(ctx context.Context, token, messageID, msgType, content string) (*SendResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.nextErr(); err != nil {
		return nil, err
	}
	r.calls = append(r.calls, apiCall{op: "reply", token: token, target: messageID, msgType: msgType, content: content})
	return &SendResult{MessageID: "om_replied"}, nil
}

func (r *recordingAPI) UploadImage(ctx context.Context, token string, image []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.nextErr(); err != nil {
		return "", err
	}
	r.calls = append(r.calls, apiCall{op: "upload", token: token})
	return "img_key_1", nil
}

func (r *recordingAPI) recorded() []apiCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]apiCall, len(r.calls))
	copy(out, r.calls)
	return out
}

func newTestDispatcher(t *testing.T, api senderAPI, mutate func(*DispatcherConfig)) *Dispatcher {
	t.Helper()
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "tok-1", Expire: 7200}}
	cfg := DispatcherConfig{
		Account: testAccount(),
		Tokens:  NewTokenSource(issuer, discardLogger()),
		API:     api,
		Logger:  discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewDispatcher(cfg)
}

func TestDispatcher_SendDeliversSingleChunk(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, nil)

	err := d.Send(context.Background(), domain.OutboundMessage{
		Channel: ChannelName, ChatID: "oc_chat_456", Text: "hello",
	})
	require.NoError(t, err)

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "send", calls[0].op)
	require.Equal(t, "oc_chat_456", calls[0].target)
	require.Equal(t, "text", calls[0].msgType)
	require.JSONEq(t, `{"text":"hello"}`, calls[0].content)
}

func TestDispatcher_EmptyTurnIsNoOp(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, nil)

	err := d.Send(context.Background(), domain.OutboundMessage{ChatID: "oc_1", Text: "   "})
	require.NoError(t, err)
	require.Empty(t, api.recorded())
}

func TestDispatcher_SameChatTurnsStayOrdered(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, nil)

	const n = 20
	done := make([]<-chan error, 0, n)
	for i := 0; i < n; i++ {
		done = append(done, d.Enqueue(context.Background(), domain.OutboundMessage{
			ChatID: "oc_1",
			Text:   "turn-" + string(rune('a'+i)),
		}))
	}
	for _, ch := range done {
		require.NoError(t, <-ch)
	}

	calls := api.recorded()
	require.Len(t, calls, n)
	for i, call := range calls {
		require.Contains(t, call.content, "turn-"+string(rune('a'+i)), "call %d out of order", i)
	}
}

func TestDispatcher_ChunksWithinTurnStayOrdered(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.TextLimit = 20
	})

	text := "aaaaaaaaaa. bbbbbbbbbb. cccccccccc."
	err := d.Send(context.Background(), domain.OutboundMessage{ChatID: "oc_1", Text: text})
	require.NoError(t, err)

	calls := api.recorded()
	require.Len(t, calls, 3)
	var joined []string
	for _, c := range calls {
		joined = append(joined, c.content)
	}
	all := strings.Join(joined, " ")
	require.Less(t, strings.Index(all, "aaaaaaaaaa"), strings.Index(all, "bbbbbbbbbb"))
	require.Less(t, strings.Index(all, "bbbbbbbbbb"), strings.Index(all, "cccccccccc"))
}

func TestDispatcher_ReplyLinkageFirstChunkOnly(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.TextLimit = 20
	})

	err := d.Send(context.Background(), domain.OutboundMessage{
		ChatID:    "oc_1",
		Text:      "aaaaaaaaaa bbbbbbbbbb cccccccccc",
		ReplyToID: "om_parent",
	})
	require.NoError(t, err)

	calls := api.recorded()
	require.Greater(t, len(calls), 1)
	require.Equal(t, "reply", calls[0].op)
	require.Equal(t, "om_parent", calls[0].target)
	for _, c := range calls[1:] {
		require.Equal(t, "send", c.op)
		require.Equal(t, "oc_1", c.target)
	}
}

func TestDispatcher_MentionsFirstChunkOnly(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.TextLimit = 20
	})

	err := d.Send(context.Background(), domain.OutboundMessage{
		ChatID:     "oc_1",
		Text:       "aaaaaaaaaa bbbbbbbbbb cccccccccc",
		MentionIDs: []string{"u1"},
	})
	require.NoError(t, err)

	calls := api.recorded()
	require.Greater(t, len(calls), 1)
	require.Equal(t, "post", calls[0].msgType, "mention paragraph forces post format")
	require.Contains(t, calls[0].content, `"u1"`)
	for _, c := range calls[1:] {
		require.NotContains(t, c.content, `"u1"`)
	}
}

func TestDispatcher_ChunkFailureAbortsTurn(t *testing.T) {
	api := &recordingAPI{failWith: []error{nil, &domain.TransportError{Code: 99991400, Msg: "invalid params"}}}
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.TextLimit = 20
	})

	err := d.Send(context.Background(), domain.OutboundMessage{
		ChatID: "oc_1",
		Text:   "aaaaaaaaaa bbbbbbbbbb cccccccccc",
	})
	require.Error(t, err)
	require.Len(t, api.recorded(), 1, "remaining chunks must not be sent")
}

func TestDispatcher_RefreshesTokenOnceOnAuthFailure(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "tok-1", Expire: 7200}}
	tokens := NewTokenSource(issuer, discardLogger())
	api := &recordingAPI{failWith: []error{&domain.TransportError{Code: codeAuthFailed, Msg: "authentication failed"}}}

	d := NewDispatcher(DispatcherConfig{
		Account: testAccount(),
		Tokens:  tokens,
		API:     api,
		Logger:  discardLogger(),
	})

	err := d.Send(context.Background(), domain.OutboundMessage{ChatID: "oc_1", Text: "hello"})
	require.NoError(t, err)
	require.Equal(t, 2, issuer.calls, "auth failure must invalidate and re-issue")

	calls := api.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "tok-1", calls[0].token)
}

func TestDispatcher_NonAuthErrorNotRetried(t *testing.T) {
	issuer := &fakeIssuer{resp: &TokenResponse{Code: 0, TenantAccessToken: "tok-1", Expire: 7200}}
	tokens := NewTokenSource(issuer, discardLogger())
	api := &recordingAPI{failWith: []error{&domain.TransportError{Code: codePermissionDenied, Msg: "permission denied"}}}

	d := NewDispatcher(DispatcherConfig{
		Account: testAccount(),
		Tokens:  tokens,
		API:     api,
		Logger:  discardLogger(),
	})

	err := d.Send(context.Background(), domain.OutboundMessage{ChatID: "oc_1", Text: "hello"})
	require.Error(t, err)
	require.Equal(t, 1, issuer.calls)
}

func TestDispatcher_IdleCallbackFiresAfterDrain(t *testing.T) {
	api := &recordingAPI{}
	idle := make(chan string, 1)
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.OnIdle = func(chatID string) { idle <- chatID }
	})

	require.NoError(t, d.Send(context.Background(), domain.OutboundMessage{ChatID: "oc_1", Text: "hi"}))

	select {
	case chatID := <-idle:
		require.Equal(t, "oc_1", chatID)
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback never fired")
	}
}

func TestDispatcher_TypingFailureIsNotFatal(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.TypingStart = func(ctx context.Context, chatID string) error {
			return context.DeadlineExceeded
		}
	})

	err := d.Send(context.Background(), domain.OutboundMessage{ChatID: "oc_1", Text: "hi"})
	require.NoError(t, err)
	require.Len(t, api.recorded(), 1)
}

func TestDispatcher_MediaUploadedThenSentAsImage(t *testing.T) {
	api := &recordingAPI{}
	var fetched string
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.FetchMedia = func(ctx context.Context, url string) ([]byte, error) {
			fetched = url
			return []byte("png-bytes"), nil
		}
	})

	err := d.Send(context.Background(), domain.OutboundMessage{
		ChatID:   "oc_1",
		MediaURL: "https://example.com/pic.png",
	})
	require.NoError(t, err)
	require.Equal(t, "https://example.com/pic.png", fetched)

	calls := api.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, "upload", calls[0].op)
	require.Equal(t, "send", calls[1].op)
	require.Equal(t, "image", calls[1].msgType)
	require.JSONEq(t, `{"image_key":"img_key_1"}`, calls[1].content)
}

func TestDispatcher_HumanDelayCancelable(t *testing.T) {
	api := &recordingAPI{}
	d := newTestDispatcher(t, api, func(cfg *DispatcherConfig) {
		cfg.HumanDelay = 10 * time.Second
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := d.Enqueue(ctx, domain.OutboundMessage{ChatID: "oc_1", Text: "hi"})
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not observe cancellation")
	}
	require.Empty(t, api.recorded())
}
