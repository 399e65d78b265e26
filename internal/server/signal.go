package server

import (
	"encoding/json"
)

// Relay forwards a call-setup payload to the target's connections in roomId.
// The payload is never inspected. A target that is not in the room is not an
// error; the signal is dropped and 0 is returned.
func (cs *ChatServer) Relay(c *Client, kind, targetUserId, roomId string, payload json.RawMessage) (int, error) {
	if targetUserId == "" || roomId == "" || len(payload) == 0 {
		return 0, ErrInvalidSignal
	}
	if !cs.registry.IsMember(c, roomId) {
		return 0, ErrNotRoomMember
	}

	out := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Type:        kind,
		Signal: &Signal{
			SenderId:   c.identity.UserId,
			SenderName: c.identity.Username,
			RoomId:     roomId,
			Payload:    payload,
		},
	}

	var delivered int
	for _, target := range cs.registry.ConnectionsFor(roomId, targetUserId) {
		if target == c {
			continue
		}
		if target.queueMessage(out) {
			delivered++
		}
	}

	if delivered == 0 {
		cs.stats.Incr("SignalsDropped")
		cs.log.Printf("%s from %q to %q in room %q dropped", kind, c.identity.UserId, targetUserId, roomId)
		return 0, nil
	}

	cs.stats.Incr("SignalsRelayed")
	return delivered, nil
}

func (cs *ChatServer) handleSignal(c *Client, msg *ClientMessage) {
	var req SignalRequest
	if err := decodeData(msg, &req); err != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}
	if string(req.Payload) == "null" {
		req.Payload = nil
	}

	if _, err := cs.Relay(c, msg.Type, req.TargetUserId, req.RoomId, req.Payload); err != nil {
		c.queueMessage(responseForError(msg.Id, err))
		return
	}

	if msg.Id > 0 {
		c.queueMessage(NoErrAccepted(msg.Id))
	}
}
