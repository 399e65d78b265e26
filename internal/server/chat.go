package server

import (
	"context"
	"strings"

	"github.com/npezzotti/studygroup-relay/internal/store"
	"github.com/npezzotti/studygroup-relay/internal/types"
)

// Send persists a chat message and then relays it to the other connections in
// the room. Nothing is broadcast if the store does not confirm the append.
func (cs *ChatServer) Send(c *Client, roomId, content, fileRef string) (*types.ChatMessage, error) {
	if !cs.registry.IsMember(c, roomId) {
		return nil, ErrNotRoomMember
	}

	content = strings.TrimSpace(content)
	fileRef = strings.TrimSpace(fileRef)
	if content == "" && fileRef == "" {
		return nil, ErrMissingContent
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.storeTimeout)
	defer cancel()

	persisted, err := cs.store.AppendMessage(ctx, store.AppendMessageParams{
		RoomId:     roomId,
		AuthorId:   c.identity.UserId,
		AuthorName: c.identity.Username,
		Content:    content,
		FileRef:    fileRef,
	})
	if err != nil {
		cs.stats.Incr("StoreFailures")
		cs.log.Printf("append message to room %q: %v", roomId, err)
		return nil, err
	}

	msg := &persisted

	cs.presence.ClearTyping(roomId, c.identity)

	n := cs.registry.Broadcast(roomId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Type:        EventChatMessage,
		Message:     msg,
	}, func(member *Client) bool {
		return member == c
	})
	cs.stats.Incr("MessagesRelayed")
	cs.log.Printf("message %s relayed to %d connections in room %q", msg.Id, n, roomId)

	return msg, nil
}

func (cs *ChatServer) handleChatSend(c *Client, msg *ClientMessage) {
	var req ChatSend
	if err := decodeData(msg, &req); err != nil || req.RoomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	persisted, err := cs.Send(c, req.RoomId, req.Content, req.FileRef)
	if err != nil {
		c.queueMessage(responseForError(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, persisted))
}
