package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/npezzotti/go-chatclient/internal/types"
)

// Op codes sent by the client.
const (
	OpIdentify       = "IDENTIFY"
	OpSendMessage    = "SEND_MESSAGE"
	OpTypingStart    = "TYPING_START"
	OpTypingStop     = "TYPING_STOP"
	OpHeartbeat      = "HEARTBEAT"
	OpSubscribe      = "SUBSCRIBE"
	OpUnsubscribe    = "UNSUBSCRIBE"
	OpPresenceUpdate = "PRESENCE_UPDATE"
)

// Op codes sent by the server. TYPING_START, TYPING_STOP and
// PRESENCE_UPDATE are shared with the client side but carry different
// payloads in each direction.
const (
	OpHello         = "HELLO"
	OpReady         = "READY"
	OpError         = "ERROR"
	OpMessageCreate = "MESSAGE_CREATE"
	OpMessageUpdate = "MESSAGE_UPDATE"
	OpMessageDelete = "MESSAGE_DELETE"
	OpHeartbeatAck  = "HEARTBEAT_ACK"
	OpSubscribed    = "SUBSCRIBED"
	OpUnsubscribed  = "UNSUBSCRIBED"
)

type envelope struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"d"`
}

// ClientEvent is a single client-to-server frame. Data must be
// JSON-marshalable; the constructors below build well-formed events.
type ClientEvent struct {
	Op   string
	Data any
}

func (e *ClientEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op   string `json:"op"`
		Data any    `json:"d"`
	}{Op: e.Op, Data: e.Data})
}

type IdentifyData struct {
	Token string `json:"token"`
}

type SendMessageData struct {
	ChannelId string `json:"channel_id"`
	Content   string `json:"content"`
}

type ChannelRef struct {
	ChannelId string `json:"channel_id"`
}

type HeartbeatData struct {
	Seq uint64 `json:"seq,omitempty"`
}

type PresenceData struct {
	Status string `json:"status"`
}

func Identify(token string) *ClientEvent {
	return &ClientEvent{Op: OpIdentify, Data: &IdentifyData{Token: token}}
}

func SendMessage(channelId, content string) *ClientEvent {
	return &ClientEvent{Op: OpSendMessage, Data: &SendMessageData{ChannelId: channelId, Content: content}}
}

func TypingStart(channelId string) *ClientEvent {
	return &ClientEvent{Op: OpTypingStart, Data: &ChannelRef{ChannelId: channelId}}
}

func TypingStop(channelId string) *ClientEvent {
	return &ClientEvent{Op: OpTypingStop, Data: &ChannelRef{ChannelId: channelId}}
}

func Heartbeat(seq uint64) *ClientEvent {
	return &ClientEvent{Op: OpHeartbeat, Data: &HeartbeatData{Seq: seq}}
}

func Subscribe(channelId string) *ClientEvent {
	return &ClientEvent{Op: OpSubscribe, Data: &ChannelRef{ChannelId: channelId}}
}

func Unsubscribe(channelId string) *ClientEvent {
	return &ClientEvent{Op: OpUnsubscribe, Data: &ChannelRef{ChannelId: channelId}}
}

func PresenceUpdate(status string) *ClientEvent {
	return &ClientEvent{Op: OpPresenceUpdate, Data: &PresenceData{Status: status}}
}

type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type ReadyData struct {
	UserId   string `json:"user_id"`
	Username string `json:"username"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type MessageUpdateData struct {
	Id        string `json:"id"`
	ChannelId string `json:"channel_id"`
	Content   string `json:"content"`
	EditedAt  string `json:"edited_at"`
}

type MessageDeleteData struct {
	Id        string `json:"id"`
	ChannelId string `json:"channel_id"`
}

type TypingStartData struct {
	ChannelId string `json:"channel_id"`
	UserId    string `json:"user_id"`
	Username  string `json:"username"`
}

type TypingStopData struct {
	ChannelId string `json:"channel_id"`
	UserId    string `json:"user_id"`
}

type PresenceUpdateData struct {
	UserId string `json:"user_id"`
	Status string `json:"status"`
}

// ServerEvent is a decoded server-to-client frame. Exactly one payload
// field is non-nil, matching Op.
type ServerEvent struct {
	Op string

	Hello          *HelloData
	Ready          *ReadyData
	Error          *ErrorData
	MessageCreate  *types.Message
	MessageUpdate  *MessageUpdateData
	MessageDelete  *MessageDeleteData
	TypingStart    *TypingStartData
	TypingStop     *TypingStopData
	HeartbeatAck   *HeartbeatData
	Subscribed     *ChannelRef
	Unsubscribed   *ChannelRef
	PresenceUpdate *PresenceUpdateData
}

func (e *ServerEvent) UnmarshalJSON(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	e.Op = env.Op

	var dst any
	switch env.Op {
	case OpHello:
		e.Hello = &HelloData{}
		dst = e.Hello
	case OpReady:
		e.Ready = &ReadyData{}
		dst = e.Ready
	case OpError:
		e.Error = &ErrorData{}
		dst = e.Error
	case OpMessageCreate:
		e.MessageCreate = &types.Message{}
		dst = e.MessageCreate
	case OpMessageUpdate:
		e.MessageUpdate = &MessageUpdateData{}
		dst = e.MessageUpdate
	case OpMessageDelete:
		e.MessageDelete = &MessageDeleteData{}
		dst = e.MessageDelete
	case OpTypingStart:
		e.TypingStart = &TypingStartData{}
		dst = e.TypingStart
	case OpTypingStop:
		e.TypingStop = &TypingStopData{}
		dst = e.TypingStop
	case OpHeartbeatAck:
		e.HeartbeatAck = &HeartbeatData{}
		dst = e.HeartbeatAck
	case OpSubscribed:
		e.Subscribed = &ChannelRef{}
		dst = e.Subscribed
	case OpUnsubscribed:
		e.Unsubscribed = &ChannelRef{}
		dst = e.Unsubscribed
	case OpPresenceUpdate:
		e.PresenceUpdate = &PresenceUpdateData{}
		dst = e.PresenceUpdate
	default:
		return fmt.Errorf("unknown op %q", env.Op)
	}

	if len(env.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Op, err)
	}

	return nil
}

func (e *ServerEvent) payload() any {
	switch e.Op {
	case OpHello:
		return e.Hello
	case OpReady:
		return e.Ready
	case OpError:
		return e.Error
	case OpMessageCreate:
		return e.MessageCreate
	case OpMessageUpdate:
		return e.MessageUpdate
	case OpMessageDelete:
		return e.MessageDelete
	case OpTypingStart:
		return e.TypingStart
	case OpTypingStop:
		return e.TypingStop
	case OpHeartbeatAck:
		return e.HeartbeatAck
	case OpSubscribed:
		return e.Subscribed
	case OpUnsubscribed:
		return e.Unsubscribed
	case OpPresenceUpdate:
		return e.PresenceUpdate
	}
	return nil
}

func (e *ServerEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Op   string `json:"op"`
		Data any    `json:"d"`
	}{Op: e.Op, Data: e.payload()})
}

// isPush reports whether the event mutates entity or ephemeral state, as
// opposed to the handshake and liveness ops. Push events are only
// meaningful on an authenticated session.
func (e *ServerEvent) isPush() bool {
	switch e.Op {
	case OpHello, OpReady, OpError, OpHeartbeatAck:
		return false
	}
	return true
}
