package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/fieldchat/pkg/config"
	"github.com/tinyland-inc/fieldchat/pkg/history"
	"github.com/tinyland-inc/fieldchat/pkg/model"
	"github.com/tinyland-inc/fieldchat/pkg/publisher"
	"github.com/tinyland-inc/fieldchat/pkg/session"
	"github.com/tinyland-inc/fieldchat/pkg/session/sessiontest"
	"github.com/tinyland-inc/fieldchat/pkg/stomp"
)

const waitFor = 2 * time.Second

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, b *sessiontest.Broker) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Chat.APIBase = b.APIBase()
	cfg.Chat.UserID = 9
	cfg.Chat.Token = "tok"
	cfg.Chat.ReceiptTimeoutMS = 1000

	c, err := New(OptionsFromConfig(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type messageRecorder struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (r *messageRecorder) add(m model.Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *messageRecorder) all() []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Message(nil), r.msgs...)
}

func TestNew_RequiresAPIBase(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestSubscribeConversation_Scenario(t *testing.T) {
	b := sessiontest.NewBroker(t)
	c := newTestClient(t, b)
	ctx := context.Background()

	_, err := c.SubscribeConversation(42, func(model.Message) {})
	assert.ErrorIs(t, err, session.ErrNotConnected)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Connect(ctx))
	assert.Equal(t, 1, b.BootstrapCalls())

	var rec messageRecorder
	h, err := c.SubscribeConversation(42, rec.add)
	require.NoError(t, err)
	assert.Equal(t, "/topic/conv/42", h.Destination())

	require.Eventually(t, func() bool {
		return b.SubscriptionCount("/topic/conv/42") == 1
	}, waitFor, 10*time.Millisecond)

	b.Publish("/topic/conv/42", []byte(`{"id":7,"text":"hi"}`))
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, waitFor, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, int64(7), got[0].ID)
	assert.Equal(t, "hi", got[0].Text)
}

func TestSubscribeConversation_SharedDestination(t *testing.T) {
	b := sessiontest.NewBroker(t)
	c := newTestClient(t, b)
	require.NoError(t, c.Connect(context.Background()))

	var first, second messageRecorder
	h1, err := c.SubscribeConversation(5, first.add)
	require.NoError(t, err)
	_, err = c.SubscribeConversation(5, second.add)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(b.Frames(stomp.Subscribe)) == 1
	}, waitFor, 10*time.Millisecond)

	h1.Dispose()
	b.Publish("/topic/conv/5", []byte(`{"id":1,"text":"still here"}`))
	require.Eventually(t, func() bool { return len(second.all()) == 1 }, waitFor, 10*time.Millisecond)
	assert.Empty(t, first.all())
	assert.Len(t, b.Frames(stomp.Subscribe), 1)
}

func TestSubscribeNotifications(t *testing.T) {
	b := sessiontest.NewBroker(t)
	c := newTestClient(t, b)
	require.NoError(t, c.Connect(context.Background()))

	got := make(chan model.Notification, 1)
	_, err := c.SubscribeNotifications(func(n model.Notification) { got <- n })
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.SubscriptionCount("/topic/notifications/9") == 1
	}, waitFor, 10*time.Millisecond)

	b.Publish("/topic/notifications/9", []byte(`{"type":"NEW_MESSAGE","conversationId":42,"message":{"id":3,"text":"x"}}`))
	select {
	case n := <-got:
		assert.Equal(t, model.NotificationNewMessage, n.Type)
		assert.Equal(t, int64(42), n.ConversationID)
		assert.Equal(t, int64(3), n.MessageID)
	case <-time.After(waitFor):
		t.Fatal("notification not delivered")
	}
}

func TestSendMessage(t *testing.T) {
	b := sessiontest.NewBroker(t)
	c := newTestClient(t, b)
	ctx := context.Background()

	err := c.SendMessage(ctx, 42, "hello", nil)
	assert.ErrorIs(t, err, publisher.ErrNoTemplates)

	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.SendMessage(ctx, 42, "hello", []string{"att-1"}))

	sends := b.Frames(stomp.Send)
	require.Len(t, sends, 1)
	assert.Equal(t, "/app/chat/42", sends[0].Header(stomp.HdrDestination))
	assert.JSONEq(t, `{"text":"hello","attachments":["att-1"],"senderId":9}`, string(sends[0].Body))

	// One rejection is absorbed by the default retry budget.
	b.FailNextSends(1)
	require.NoError(t, c.SendMessage(ctx, 42, "again", nil))
	assert.Len(t, b.Frames(stomp.Send), 3)

	b.FailNextSends(5)
	var failed error
	err = c.SendMessage(ctx, 42, "lost", nil, publisher.WithOnFailure(func(err error) { failed = err }))
	require.Error(t, err)
	assert.Equal(t, err, failed)
	var brokerErr *stomp.BrokerError
	assert.True(t, errors.As(err, &brokerErr))
}

func TestOpenConversation_MergesLiveAndHistory(t *testing.T) {
	b := sessiontest.NewBroker(t)
	pages := map[int]model.Page[model.Message]{
		0: {Content: []model.Message{
			{ID: 10, ConversationID: 42, Text: "latest", Timestamp: t0.Add(10 * time.Minute)},
			{ID: 9, ConversationID: 42, Text: "before", Timestamp: t0.Add(9 * time.Minute)},
		}},
		1: {Content: []model.Message{
			{ID: 8, ConversationID: 42, Text: "old", Timestamp: t0.Add(8 * time.Minute)},
		}, Last: true},
	}
	var requested []int
	var mu sync.Mutex
	b.HandleAPI("GET /chat/conversations/{conversationId}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "42", r.PathValue("conversationId"))
		n, _ := strconv.Atoi(r.URL.Query().Get("pageNumber"))
		mu.Lock()
		requested = append(requested, n)
		mu.Unlock()
		writeJSON(w, pages[n])
	})

	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	changes := make(chan []model.Message, 16)
	cv, err := c.OpenConversation(ctx, 42, func(m []model.Message) { changes <- m })
	require.NoError(t, err)
	assert.True(t, cv.HasMore())
	assert.Len(t, cv.Messages(), 2)

	require.Eventually(t, func() bool {
		return b.SubscriptionCount("/topic/conv/42") == 1
	}, waitFor, 10*time.Millisecond)

	// Live copy of an already loaded message is not duplicated.
	b.Publish("/topic/conv/42", sessiontest.MessageJSON(t, pages[0].Content[0]))
	live := model.Message{ID: 11, ConversationID: 42, Text: "new", Timestamp: t0.Add(11 * time.Minute)}
	b.Publish("/topic/conv/42", sessiontest.MessageJSON(t, live))
	require.Eventually(t, func() bool { return len(cv.Messages()) == 3 }, waitFor, 10*time.Millisecond)

	more, err := cv.LoadMore(ctx)
	require.NoError(t, err)
	assert.False(t, more)
	more, err = cv.LoadMore(ctx)
	require.NoError(t, err)
	assert.False(t, more)

	var got []int64
	for _, m := range cv.Messages() {
		got = append(got, m.ID)
	}
	assert.Equal(t, []int64{8, 9, 10, 11}, got)

	mu.Lock()
	assert.Equal(t, []int{0, 1}, requested)
	mu.Unlock()

	cv.Close()
	cv.Close()
	require.Eventually(t, func() bool {
		return b.SubscriptionCount("/topic/conv/42") == 0
	}, waitFor, 10*time.Millisecond)
}

func TestConversationsAndMutations(t *testing.T) {
	b := sessiontest.NewBroker(t)
	b.HandleAPI("GET /chat/users/{userId}/conversations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "9", r.PathValue("userId"))
		writeJSON(w, model.Page[model.Conversation]{
			Content: []model.Conversation{{ID: 1, Title: "Leaf rust"}},
			Last:    true,
		})
	})
	b.HandleAPI("POST /chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		var req model.NewConversation
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, int64(9), req.CreatorID)
		assert.Equal(t, int64(3), req.ExpertID)
		writeJSON(w, model.Conversation{ID: 2, Title: req.Title})
	})
	b.HandleAPI("DELETE /chat/conversations/{conversationId}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	b.HandleAPI("DELETE /chat/messages/{messageId}", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})

	c := newTestClient(t, b)
	ctx := context.Background()

	res := c.Conversations().Load(ctx, history.LoadParams{})
	require.NoError(t, res.Err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Leaf rust", res.Items[0].Title)
	assert.True(t, res.IsLast)

	conv, err := c.CreateConversation(ctx, "Pest ID", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), conv.ID)

	require.NoError(t, c.DeleteConversation(ctx, 2))
	assert.Error(t, c.DeleteMessage(ctx, 5))
}

func TestDisconnect_InvalidatesSubscriptions(t *testing.T) {
	b := sessiontest.NewBroker(t)
	c := newTestClient(t, b)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))

	h, err := c.SubscribeConversation(1, func(model.Message) {})
	require.NoError(t, err)

	c.Disconnect(ctx)
	assert.False(t, c.IsConnected())
	select {
	case <-h.Done():
	case <-time.After(waitFor):
		t.Fatal("handle still live after disconnect")
	}

	// Reconnecting requires a fresh subscription.
	require.NoError(t, c.Connect(ctx))
	_, err = c.SubscribeConversation(1, func(model.Message) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return b.SubscriptionCount("/topic/conv/1") == 1
	}, waitFor, 10*time.Millisecond)
}
