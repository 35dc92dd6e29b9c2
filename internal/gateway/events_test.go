package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_decodeServerEvent(t *testing.T) {
	t.Run("hello", func(t *testing.T) {
		var event ServerEvent
		err := json.Unmarshal([]byte(`{"op":"HELLO","d":{"heartbeat_interval":30000}}`), &event)
		assert.NoError(t, err)
		assert.Equal(t, OpHello, event.Op)
		assert.NotNil(t, event.Hello, "expected hello payload to be decoded")
		assert.Equal(t, int64(30000), event.Hello.HeartbeatInterval)
	})

	t.Run("ready", func(t *testing.T) {
		var event ServerEvent
		err := json.Unmarshal([]byte(`{"op":"READY","d":{"user_id":"u1","username":"alice"}}`), &event)
		assert.NoError(t, err)
		assert.Equal(t, OpReady, event.Op)
		assert.Equal(t, "u1", event.Ready.UserId)
		assert.Equal(t, "alice", event.Ready.Username)
	})

	t.Run("message create", func(t *testing.T) {
		raw := `{"op":"MESSAGE_CREATE","d":{"id":"m1","channel_id":"c1","server_id":"s1",` +
			`"author_id":"u1","username":"alice","content":"hi","created_at":"2024-01-02T03:04:05Z"}}`
		var event ServerEvent
		err := json.Unmarshal([]byte(raw), &event)
		assert.NoError(t, err)
		assert.NotNil(t, event.MessageCreate)
		assert.Equal(t, "m1", event.MessageCreate.Id)
		assert.Equal(t, "c1", event.MessageCreate.ChannelId)
		assert.Equal(t, "hi", event.MessageCreate.Content)
	})

	t.Run("unknown op", func(t *testing.T) {
		var event ServerEvent
		err := json.Unmarshal([]byte(`{"op":"NOPE","d":{}}`), &event)
		assert.Error(t, err, "expected unknown op to fail decoding")
	})

	t.Run("missing payload", func(t *testing.T) {
		var event ServerEvent
		err := json.Unmarshal([]byte(`{"op":"HEARTBEAT_ACK"}`), &event)
		assert.NoError(t, err)
		assert.NotNil(t, event.HeartbeatAck)
	})
}

func Test_encodeClientEvent(t *testing.T) {
	tcases := []struct {
		name     string
		event    *ClientEvent
		expected string
	}{
		{
			name:     "identify",
			event:    Identify("abc"),
			expected: `{"op":"IDENTIFY","d":{"token":"abc"}}`,
		},
		{
			name:     "send message",
			event:    SendMessage("c1", "hello"),
			expected: `{"op":"SEND_MESSAGE","d":{"channel_id":"c1","content":"hello"}}`,
		},
		{
			name:     "heartbeat",
			event:    Heartbeat(3),
			expected: `{"op":"HEARTBEAT","d":{"seq":3}}`,
		},
		{
			name:     "subscribe",
			event:    Subscribe("c2"),
			expected: `{"op":"SUBSCRIBE","d":{"channel_id":"c2"}}`,
		},
		{
			name:     "presence update",
			event:    PresenceUpdate("dnd"),
			expected: `{"op":"PRESENCE_UPDATE","d":{"status":"dnd"}}`,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			bytes, err := json.Marshal(tc.event)
			assert.NoError(t, err)
			assert.JSONEq(t, tc.expected, string(bytes))
		})
	}
}

func Test_serverEventRoundTrip(t *testing.T) {
	event := &ServerEvent{
		Op:          OpTypingStart,
		TypingStart: &TypingStartData{ChannelId: "c1", UserId: "u1", Username: "alice"},
	}

	raw, err := json.Marshal(event)
	assert.NoError(t, err)

	var decoded ServerEvent
	assert.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, event.Op, decoded.Op)
	assert.Equal(t, event.TypingStart, decoded.TypingStart)
}

func Test_isPush(t *testing.T) {
	push := &ServerEvent{Op: OpMessageCreate}
	assert.True(t, push.isPush())

	for _, op := range []string{OpHello, OpReady, OpError, OpHeartbeatAck} {
		event := &ServerEvent{Op: op}
		assert.False(t, event.isPush(), "expected %s not to be a push op", op)
	}
}

func Test_GatewayURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:3001/ws", GatewayURL("http://localhost:3001"))
	assert.Equal(t, "wss://chat.example.com/ws", GatewayURL("https://chat.example.com/"))
}
