package types

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"
)

// Identity is the authenticated user attached to a connection. It is fixed
// at handshake time and never re-derived.
type Identity struct {
	UserId   string `json:"user_id"`
	Username string `json:"username"`
}

// ChatMessage is the durable store's record of a chat message. Raw holds the
// store's reply byte for byte; when set it is what goes out on the wire and
// the parsed fields only serve routing and logging.
type ChatMessage struct {
	Id         string          `json:"id"`
	RoomId     string          `json:"room_id"`
	AuthorId   string          `json:"author_id"`
	AuthorName string          `json:"author_name,omitempty"`
	Content    string          `json:"content"`
	FileRef    string          `json:"file_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	Raw        json.RawMessage `json:"-"`
}

func (m ChatMessage) MarshalJSON() ([]byte, error) {
	if len(m.Raw) > 0 {
		return m.Raw, nil
	}

	type fields ChatMessage
	return json.Marshal(fields(m))
}

// UnmarshalJSON accepts ids as JSON strings or numbers and keeps the input in
// Raw. An unparseable created_at is left zero; Raw still carries it.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var aux struct {
		Id         any             `json:"id"`
		RoomId     any             `json:"room_id"`
		AuthorId   any             `json:"author_id"`
		AuthorName string          `json:"author_name"`
		Content    string          `json:"content"`
		FileRef    string          `json:"file_ref"`
		CreatedAt  json.RawMessage `json:"created_at"`
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&aux); err != nil {
		return err
	}

	var createdAt time.Time
	if len(aux.CreatedAt) > 0 {
		_ = json.Unmarshal(aux.CreatedAt, &createdAt)
	}

	*m = ChatMessage{
		Id:         IdString(aux.Id),
		RoomId:     IdString(aux.RoomId),
		AuthorId:   IdString(aux.AuthorId),
		AuthorName: aux.AuthorName,
		Content:    aux.Content,
		FileRef:    aux.FileRef,
		CreatedAt:  createdAt,
		Raw:        append(json.RawMessage(nil), data...),
	}
	return nil
}

// IdString renders an identifier decoded as a JSON string or number. Anything
// else yields "".
func IdString(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

type PresenceState string

const (
	PresenceJoined        PresenceState = "joined"
	PresenceLeft          PresenceState = "left"
	PresenceTypingStarted PresenceState = "typing-started"
	PresenceTypingStopped PresenceState = "typing-stopped"
)

// Notification is produced outside the relay and delivered to every open
// connection of the recipient. The payload is opaque.
type Notification struct {
	RecipientId string          `json:"recipient_id"`
	Payload     json.RawMessage `json:"payload"`
}
