package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/fieldchat/pkg/destination"
	"github.com/tinyland-inc/fieldchat/pkg/model"
)

type fakeTransport struct {
	mu        sync.Mutex
	failures  int
	calls     []string
	payloads  [][]byte
	templates destination.Templates
}

func (f *fakeTransport) Publish(_ context.Context, dest string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, dest)
	f.payloads = append(f.payloads, payload)
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	return nil
}

func (f *fakeTransport) Templates() destination.Templates {
	return f.templates
}

var testTemplates = destination.Templates{
	Publish:      "/app/chat/{conversationId}",
	Conversation: "/topic/conv/{conversationId}",
	Notification: "/topic/notifications/{userId}",
}

func TestSend_SucceedsFirstTry(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	failed := false
	err := p.Send(context.Background(), "/app/x", []byte(`{}`),
		WithMaxRetries(2), WithOnFailure(func(error) { failed = true }))
	require.NoError(t, err)
	assert.Len(t, tr.calls, 1)
	assert.False(t, failed)
}

func TestSend_RetriesThenSucceeds(t *testing.T) {
	tr := &fakeTransport{failures: 2}
	p := New(tr)

	err := p.Send(context.Background(), "/app/x", []byte(`{}`), WithMaxRetries(2))
	require.NoError(t, err)
	assert.Len(t, tr.calls, 3)
}

func TestSend_ExhaustsRetries(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		want    int
	}{
		{"no retries", 0, 1},
		{"one retry", 1, 2},
		{"two retries", 2, 3},
		{"negative treated as zero", -3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{failures: 100}
			p := New(tr)

			var failures []error
			err := p.Send(context.Background(), "/app/x", []byte(`{}`),
				WithMaxRetries(tt.retries),
				WithOnFailure(func(err error) { failures = append(failures, err) }))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "broker unavailable")
			assert.Len(t, tr.calls, tt.want)
			require.Len(t, failures, 1)
			assert.Equal(t, err, failures[0])
		})
	}
}

func TestSendMessage(t *testing.T) {
	tr := &fakeTransport{templates: testTemplates}
	p := New(tr)

	err := p.SendMessage(context.Background(), 42, model.OutboundMessage{Text: "hello", SenderID: 9})
	require.NoError(t, err)
	require.Equal(t, []string{"/app/chat/42"}, tr.calls)

	var got map[string]any
	require.NoError(t, json.Unmarshal(tr.payloads[0], &got))
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, float64(9), got["senderId"])
	assert.NotContains(t, got, "attachments")
}

func TestSendMessage_DefaultRetryBudget(t *testing.T) {
	tr := &fakeTransport{templates: testTemplates, failures: 100}
	p := New(tr)

	var failed error
	err := p.SendMessage(context.Background(), 1, model.OutboundMessage{Text: "x"},
		WithOnFailure(func(err error) { failed = err }))
	require.Error(t, err)
	assert.Len(t, tr.calls, DefaultMessageRetries+1)
	assert.Equal(t, err, failed)

	tr2 := &fakeTransport{templates: testTemplates, failures: 100}
	err = New(tr2, WithMessageRetries(3)).SendMessage(context.Background(), 1, model.OutboundMessage{Text: "x"})
	require.Error(t, err)
	assert.Len(t, tr2.calls, 4)
}

func TestSendMessage_NoTemplates(t *testing.T) {
	tr := &fakeTransport{}
	p := New(tr)

	var failed error
	err := p.SendMessage(context.Background(), 1, model.OutboundMessage{Text: "x"},
		WithOnFailure(func(err error) { failed = err }))
	assert.ErrorIs(t, err, ErrNoTemplates)
	assert.ErrorIs(t, failed, ErrNoTemplates)
	assert.Empty(t, tr.calls)
}
