package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type call struct {
	kind      string
	chatID    string
	messageID string
	payload   string
	removed   bool
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []call
}

func (r *recordingNotifier) NotifyNewMessage(_ context.Context, chatID string, payload json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{kind: "message", chatID: chatID, payload: string(payload)})
	return nil
}

func (r *recordingNotifier) NotifyReactionChanged(_ context.Context, messageID, chatID string, reaction json.RawMessage, removed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{kind: "reaction", chatID: chatID, messageID: messageID, payload: string(reaction), removed: removed})
	return nil
}

func newTestSubscriber(t *testing.T, target Notifier) *Subscriber {
	return NewSubscriber(nil, "chat.notify", target, time.Second, zaptest.NewLogger(t))
}

func TestSubscriber_HandleMessage(t *testing.T) {
	req := require.New(t)
	rec := &recordingNotifier{}
	sub := newTestSubscriber(t, rec)

	sub.handleMessage(&nats.Msg{
		Subject: "chat.notify.message",
		Data:    []byte(`{"chatId":"c1","message":{"id":"m1","content":"hi"}}`),
	})

	req.Len(rec.calls, 1)
	req.Equal("message", rec.calls[0].kind)
	req.Equal("c1", rec.calls[0].chatID)
	req.JSONEq(`{"id":"m1","content":"hi"}`, rec.calls[0].payload)
}

func TestSubscriber_HandleReaction(t *testing.T) {
	req := require.New(t)
	rec := &recordingNotifier{}
	sub := newTestSubscriber(t, rec)

	sub.handleReaction(&nats.Msg{
		Subject: "chat.notify.reaction",
		Data:    []byte(`{"messageId":"m1","chatId":"c1","reaction":{"id":"r1","userId":"u1","emoji":"👍"},"removed":true}`),
	})

	req.Len(rec.calls, 1)
	req.Equal("reaction", rec.calls[0].kind)
	req.Equal("m1", rec.calls[0].messageID)
	req.True(rec.calls[0].removed)
}

func TestSubscriber_DropsInvalidNotifications(t *testing.T) {
	rec := &recordingNotifier{}
	sub := newTestSubscriber(t, rec)

	sub.handleMessage(&nats.Msg{Subject: "chat.notify.message", Data: []byte(`not json`)})
	sub.handleMessage(&nats.Msg{Subject: "chat.notify.message", Data: []byte(`{"message":{"id":"m1"}}`)})
	sub.handleReaction(&nats.Msg{Subject: "chat.notify.reaction", Data: []byte(`{"messageId":"m1","chatId":"c1"}`)})

	require.Empty(t, rec.calls)
}

func TestMessageNotification_Validate(t *testing.T) {
	req := require.New(t)

	req.NoError(MessageNotification{ChatID: "c1", Message: json.RawMessage(`{}`)}.Validate())
	req.Error(MessageNotification{ChatID: "c1"}.Validate())
	req.Error(MessageNotification{Message: json.RawMessage(`{}`)}.Validate())
}
