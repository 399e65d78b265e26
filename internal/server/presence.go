package server

import (
	"log"
	"sync"
	"time"

	"github.com/npezzotti/studygroup-relay/internal/types"
)

type presenceKey struct {
	roomId string
	userId string
}

type typingState struct {
	identity types.Identity
	timer    *time.Timer
}

// PresenceTracker owns room membership changes and typing indicators so that
// every presence transition is broadcast in the order it happened.
type PresenceTracker struct {
	mu            sync.Mutex
	log           *log.Logger
	registry      *RoomRegistry
	typing        map[presenceKey]*typingState
	typingTimeout time.Duration
}

func NewPresenceTracker(logger *log.Logger, registry *RoomRegistry, typingTimeout time.Duration) *PresenceTracker {
	return &PresenceTracker{
		log:           logger,
		registry:      registry,
		typing:        make(map[presenceKey]*typingState),
		typingTimeout: typingTimeout,
	}
}

// Join adds c to roomId, announcing the identity to the room if this is its
// first connection there.
func (p *PresenceTracker) Join(c *Client, roomId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	added, first := p.registry.Join(c, roomId)
	if first {
		p.announce(roomId, c.identity, types.PresenceJoined)
	}
	return added
}

func (p *PresenceTracker) Leave(c *Client, roomId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed, last := p.registry.Leave(c, roomId)
	if last {
		p.goOffline(roomId, c.identity)
	}
	return removed
}

// Disconnect purges c from all rooms.
func (p *PresenceTracker) Disconnect(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, roomId := range p.registry.PurgeConnection(c) {
		p.goOffline(roomId, c.identity)
	}
}

// SetTyping records a typing indicator for the identity behind c. Repeated
// starts only re-arm the expiry timer.
func (p *PresenceTracker) SetTyping(c *Client, roomId string, isTyping bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.registry.IsMember(c, roomId) {
		return ErrNotRoomMember
	}

	if !isTyping {
		p.stopTyping(roomId, c.identity)
		return nil
	}

	key := presenceKey{roomId: roomId, userId: c.identity.UserId}
	if st, ok := p.typing[key]; ok {
		st.timer.Stop()
	} else {
		p.announce(roomId, c.identity, types.PresenceTypingStarted)
	}

	st := &typingState{identity: c.identity}
	st.timer = time.AfterFunc(p.typingTimeout, func() {
		p.expire(key, st)
	})
	p.typing[key] = st

	return nil
}

// ClearTyping ends the identity's typing indicator in roomId if one is set.
func (p *PresenceTracker) ClearTyping(roomId string, identity types.Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stopTyping(roomId, identity)
}

func (p *PresenceTracker) IsTyping(roomId, userId string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.typing[presenceKey{roomId: roomId, userId: userId}]
	return ok
}

// Stop cancels all pending typing timers.
func (p *PresenceTracker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, st := range p.typing {
		st.timer.Stop()
		delete(p.typing, key)
	}
}

func (p *PresenceTracker) expire(key presenceKey, st *typingState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// superseded by a newer start or already stopped
	if p.typing[key] != st {
		return
	}

	delete(p.typing, key)
	p.announce(key.roomId, st.identity, types.PresenceTypingStopped)
}

func (p *PresenceTracker) stopTyping(roomId string, identity types.Identity) {
	key := presenceKey{roomId: roomId, userId: identity.UserId}
	st, ok := p.typing[key]
	if !ok {
		return
	}

	st.timer.Stop()
	delete(p.typing, key)
	p.announce(roomId, identity, types.PresenceTypingStopped)
}

func (p *PresenceTracker) goOffline(roomId string, identity types.Identity) {
	p.stopTyping(roomId, identity)
	p.announce(roomId, identity, types.PresenceLeft)
}

// announce sends a presence event to everyone in the room except the
// subject's own connections.
func (p *PresenceTracker) announce(roomId string, subject types.Identity, state types.PresenceState) {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Type:        EventRoomPresence,
		Presence: &Presence{
			RoomId:   roomId,
			UserId:   subject.UserId,
			Username: subject.Username,
			State:    state,
		},
	}

	n := p.registry.Broadcast(roomId, msg, func(c *Client) bool {
		return c.identity.UserId == subject.UserId
	})
	p.log.Printf("presence %s for %q in room %q sent to %d connections", state, subject.UserId, roomId, n)
}
