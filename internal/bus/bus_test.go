package bus

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"larkgate/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New(10, discardLogger())
	defer b.Close()

	b.Publish(domain.InternalMessage{ID: "m1", Channel: "lark", Text: "hello"})

	select {
	case msg := <-b.Subscribe():
		require.Equal(t, "m1", msg.ID)
		require.Equal(t, "hello", msg.Text)
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestBus_OutboundRoutesByChannel(t *testing.T) {
	b := New(10, discardLogger())
	defer b.Close()

	got := make(chan domain.OutboundMessage, 1)
	b.OnOutbound("lark", func(msg domain.OutboundMessage) { got <- msg })

	b.SendOutbound(domain.OutboundMessage{Channel: "lark", ChatID: "oc_1", Text: "reply"})

	select {
	case msg := <-got:
		require.Equal(t, "oc_1", msg.ChatID)
	case <-time.After(time.Second):
		t.Fatal("outbound handler never invoked")
	}
}

func TestBus_OutboundUnknownChannelDropped(t *testing.T) {
	b := New(10, discardLogger())
	defer b.Close()

	// No handler registered; must not panic.
	b.SendOutbound(domain.OutboundMessage{Channel: "telegram", ChatID: "1"})
}

func TestBus_PublishAfterCloseDropped(t *testing.T) {
	b := New(10, discardLogger())
	b.Close()
	b.Close() // idempotent

	b.Publish(domain.InternalMessage{ID: "m1"})

	_, ok := <-b.Subscribe()
	require.False(t, ok, "inbound channel must be closed and drained")
}

func TestEventBus_EmitAndWildcard(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var typed, wildcard []string
	eb.On(EventReplySent, func(e Event) { typed = append(typed, e.Type) })
	eb.On("*", func(e Event) { wildcard = append(wildcard, e.Type) })

	eb.Emit(Event{Type: EventReplySent, Source: "lark:default"})
	eb.Emit(Event{Type: EventReplyFailed, Source: "lark:default"})

	require.Equal(t, []string{EventReplySent}, typed)
	require.Equal(t, []string{EventReplySent, EventReplyFailed}, wildcard)
}

func TestEventBus_OffRemovesHandler(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var calls int
	id := eb.On(EventReplySent, func(e Event) { calls++ })
	eb.Emit(Event{Type: EventReplySent})
	eb.Off(EventReplySent, id)
	eb.Emit(Event{Type: EventReplySent})

	require.Equal(t, 1, calls)
}

func TestEventBus_HandlerPanicIsContained(t *testing.T) {
	eb := NewEventBus(discardLogger())

	var after bool
	eb.On(EventHandlerError, func(e Event) { panic("boom") })
	eb.On(EventHandlerError, func(e Event) { after = true })

	eb.Emit(Event{Type: EventHandlerError})
	require.True(t, after, "panic in one handler must not stop the others")
}

func TestEventBus_ReplayFiltersByTypeAndTime(t *testing.T) {
	eb := NewEventBus(discardLogger())

	old := time.Now().Add(-time.Hour)
	eb.Emit(Event{Type: EventReplySent, Timestamp: old})
	eb.Emit(Event{Type: EventReplySent})
	eb.Emit(Event{Type: EventReplyFailed})

	require.Len(t, eb.Replay("*", time.Time{}), 3)
	require.Len(t, eb.Replay(EventReplySent, time.Time{}), 2)
	require.Len(t, eb.Replay(EventReplySent, time.Now().Add(-time.Minute)), 1)
	require.Equal(t, 3, eb.HistoryLen())
}
