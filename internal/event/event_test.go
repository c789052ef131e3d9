package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecode_DispatchesByEventName(t *testing.T) {
	req := require.New(t)

	msg, err := Decode([]byte(`{"event":"typing","data":{"chatId":"c1"}}`))
	req.NoError(err)
	req.Equal(&TypingRequest{ChatID: "c1"}, msg)

	msg, err = Decode([]byte(`{"event":"mark_as_read","data":{"messageId":"m1"}}`))
	req.NoError(err)
	req.Equal(MarkAsRead, msg.EventName())

	msg, err = Decode([]byte(`{"event":"send_message","data":{"chatId":"c1","messageId":"m1","content":"hi"}}`))
	req.NoError(err)
	send, ok := msg.(*SendMessageRequest)
	req.True(ok)
	req.Equal("hi", send.Content)
	req.Nil(send.ImageURL)
}

func TestDecode_RejectsBadFrames(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"not json", `typing`, ErrMalformedFrame},
		{"missing event", `{"data":{}}`, ErrMalformedFrame},
		{"unknown event", `{"event":"dance","data":{}}`, ErrUnknownEvent},
		{"missing data", `{"event":"join_chat"}`, ErrInvalidPayload},
		{"missing chat id", `{"event":"join_chat","data":{}}`, ErrInvalidPayload},
		{"wrong type", `{"event":"leave_chat","data":{"chatId":42}}`, ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestOutbound_WireShapes(t *testing.T) {
	req := require.New(t)

	req.JSONEq(`{"event":"user_typing","data":{"userId":"u1","username":"alice","chatId":"c1"}}`,
		string(Typing("u1", "alice", "c1").Frame()))
	req.JSONEq(`{"event":"user_stop_typing","data":{"userId":"u1","chatId":"c1"}}`,
		string(StopTyping("u1", "c1").Frame()))
	req.JSONEq(`{"event":"message_read","data":{"messageId":"m1","userId":"u1","chatId":"c1"}}`,
		string(Read("m1", "u1", "c1").Frame()))
	req.JSONEq(`{"event":"contact_status_change","data":{"userId":"u1","isOnline":true,"lastSeen":null}}`,
		string(Online("u1").Frame()))
	req.JSONEq(`{"event":"reaction_removed","data":{"messageId":"m1","reactionId":"r1","userId":"u1","emoji":"+1"}}`,
		string(ReactionRemovedFrom("m1", "r1", "u1", "+1").Frame()))
	req.JSONEq(`{"event":"error","data":{"message":"nope"}}`, string(Failure("nope").Frame()))

	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	req.JSONEq(`{"event":"contact_status_change","data":{"userId":"u1","isOnline":false,"lastSeen":"2024-05-01T12:00:00Z"}}`,
		string(Offline("u1", seen).Frame()))
}

func TestNewMessageRaw_ForwardsPayloadVerbatim(t *testing.T) {
	req := require.New(t)
	payload := json.RawMessage(`{"id":"m1","content":"hi","senderId":"u1","chatId":"c1","readBy":["u1"],"createdAt":"2024-05-01T12:00:00.000Z","sender":{"id":"u1","username":"alice","avatarUrl":null},"reactions":[]}`)

	out, err := NewMessageRaw(payload)
	req.NoError(err)

	var env struct {
		Event Name            `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	req.NoError(json.Unmarshal(out.Frame(), &env))
	req.Equal(NewMessage, env.Event)
	req.Equal(string(payload), string(env.Data))

	_, err = NewMessageRaw(json.RawMessage(`["not","an","object"]`))
	req.ErrorIs(err, ErrNotObject)
}

func TestNewMessageFrom_DefaultsReadByToEmptyList(t *testing.T) {
	req := require.New(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	out := NewMessageFrom(MessagePayload{
		ID: "m1", Content: "hi", SenderID: "u1", ChatID: "c1",
		CreatedAt: created, Sender: Sender{ID: "u1", Username: "alice"},
	})
	req.JSONEq(`{"event":"new_message","data":{"id":"m1","content":"hi","senderId":"u1","chatId":"c1","readBy":[],"createdAt":"2024-05-01T12:00:00Z","sender":{"id":"u1","username":"alice"}}}`,
		string(out.Frame()))
}
