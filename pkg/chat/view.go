package chat

import (
	"context"
	"sync"

	"github.com/tinyland-inc/fieldchat/pkg/history"
	"github.com/tinyland-inc/fieldchat/pkg/logger"
	"github.com/tinyland-inc/fieldchat/pkg/model"
	"github.com/tinyland-inc/fieldchat/pkg/reconcile"
	"github.com/tinyland-inc/fieldchat/pkg/subscription"
)

// ConversationView is an open conversation: live messages and loaded
// history pages merged into one ordered list.
type ConversationView struct {
	id       int64
	view     *reconcile.View
	source   *history.Source[model.Message]
	handle   *subscription.Handle
	onChange func([]model.Message)

	mu      sync.Mutex
	nextKey *int
	started bool

	closeOnce sync.Once
}

// OpenConversation subscribes to a conversation and loads its first history
// page. onChange, if set, receives the merged list after every change.
func (c *Client) OpenConversation(
	ctx context.Context,
	conversationID int64,
	onChange func([]model.Message),
) (*ConversationView, error) {
	cv := &ConversationView{
		id:       conversationID,
		view:     reconcile.NewView(),
		source:   c.Messages(conversationID),
		onChange: onChange,
	}

	handle, err := c.SubscribeConversation(conversationID, cv.addLive)
	if err != nil {
		return nil, err
	}
	cv.handle = handle

	if _, err := cv.LoadMore(ctx); err != nil {
		cv.Close()
		return nil, err
	}
	return cv, nil
}

func (cv *ConversationView) ID() int64 {
	return cv.id
}

func (cv *ConversationView) addLive(m model.Message) {
	if m.ConversationID != 0 && m.ConversationID != cv.id {
		logger.DebugCF("chat", "Ignoring message for another conversation", map[string]any{
			"conversation": cv.id,
			"message":      m.ID,
		})
		return
	}
	if cv.view.AddLive(m) {
		cv.notify()
	}
}

func (cv *ConversationView) notify() {
	if cv.onChange != nil {
		cv.onChange(cv.view.Messages())
	}
}

// LoadMore fetches the next history page. It reports whether more pages
// remain. A failed load leaves the view and the paging position unchanged.
func (cv *ConversationView) LoadMore(ctx context.Context) (bool, error) {
	cv.mu.Lock()
	defer cv.mu.Unlock()

	key := 0
	if cv.started {
		if cv.nextKey == nil {
			return false, nil
		}
		key = *cv.nextKey
	}

	res := cv.source.Load(ctx, history.LoadParams{Key: key})
	if res.Err != nil {
		return !cv.started || cv.nextKey != nil, res.Err
	}
	cv.started = true
	cv.nextKey = res.NextKey

	if fresh := cv.view.MergePage(res.Items); len(fresh) > 0 {
		cv.notify()
	}
	return res.NextKey != nil, nil
}

// HasMore reports whether another history page can be loaded.
func (cv *ConversationView) HasMore() bool {
	cv.mu.Lock()
	defer cv.mu.Unlock()
	return !cv.started || cv.nextKey != nil
}

// Messages returns the merged, ordered message list.
func (cv *ConversationView) Messages() []model.Message {
	return cv.view.Messages()
}

// Close releases the subscription and discards the merged state.
func (cv *ConversationView) Close() {
	cv.closeOnce.Do(func() {
		if cv.handle != nil {
			cv.handle.Dispose()
		}
		cv.view.Close()
	})
}

// Done is closed when the live subscription ends, e.g. because the session
// was disconnected or lost its connection.
func (cv *ConversationView) Done() <-chan struct{} {
	return cv.handle.Done()
}
