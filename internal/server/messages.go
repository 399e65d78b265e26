package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/studygroup-relay/internal/types"
)

const (
	EventRoomJoin        = "room.join"
	EventRoomLeave       = "room.leave"
	EventChatSend        = "chat.send"
	EventChatTyping      = "chat.typing"
	EventSignalOffer     = "signal.offer"
	EventSignalAnswer    = "signal.answer"
	EventSignalCandidate = "signal.candidate"

	EventResponse     = "response"
	EventRoomPresence = "room.presence"
	EventChatMessage  = "chat.message"
	EventNotification = "notification"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is one inbound frame. Data is decoded according to Type.
type ClientMessage struct {
	Id   int             `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type RoomRequest struct {
	RoomId string `json:"room_id"`
}

type ChatSend struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
	FileRef string `json:"file_ref"`
}

type ChatTyping struct {
	RoomId   string `json:"room_id"`
	IsTyping bool   `json:"is_typing"`
}

type SignalRequest struct {
	TargetUserId string          `json:"target_user_id"`
	RoomId       string          `json:"room_id"`
	Payload      json.RawMessage `json:"payload"`
}

type ServerMessage struct {
	BaseMessage
	Type         string             `json:"type"`
	Response     *Response          `json:"response,omitempty"`
	Presence     *Presence          `json:"presence,omitempty"`
	Message      *types.ChatMessage `json:"message,omitempty"`
	Signal       *Signal            `json:"signal,omitempty"`
	Notification *NotificationEvent `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Presence struct {
	RoomId   string              `json:"room_id"`
	UserId   string              `json:"user_id"`
	Username string              `json:"username,omitempty"`
	State    types.PresenceState `json:"state"`
}

// Signal carries a call-setup payload exactly as the sender supplied it.
type Signal struct {
	SenderId   string          `json:"sender_id"`
	SenderName string          `json:"sender_name,omitempty"`
	RoomId     string          `json:"room_id"`
	Payload    json.RawMessage `json:"payload"`
}

type NotificationEvent struct {
	Payload json.RawMessage `json:"payload"`
}

// RoomInfo is returned to a client that joins a room.
type RoomInfo struct {
	RoomId  string           `json:"room_id"`
	Members []types.Identity `json:"members"`
}

func newResponse(id, code int, errMsg string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Type: EventResponse,
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int) *ServerMessage {
	return newResponse(id, http.StatusAccepted, "", nil)
}

func ErrNotMember(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, "not a member of this room", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "invalid message format", nil)
}

func ErrEmptyMessage(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "message must have content or a file", nil)
}

func ErrUnknownEvent(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "unknown event type", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

// ErrUpstreamUnavailable tells the sender that the durable store could not be
// reached in time and the event may be retried.
func ErrUpstreamUnavailable(id int) *ServerMessage {
	msg := newResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
	msg.Response.Retryable = true
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}

// serializeMessage encodes a frame without escaping HTML so opaque payloads
// reach peers unaltered.
func serializeMessage(msg *ServerMessage) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}

	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
