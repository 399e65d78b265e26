package server

import (
	"sort"
	"sync"

	"github.com/npezzotti/studygroup-relay/internal/stats"
	"github.com/npezzotti/studygroup-relay/internal/types"
)

type roomMembers struct {
	clients map[*Client]struct{}
	// number of connections per user id
	users map[string]int
}

// RoomRegistry tracks which connections have joined which rooms. A room
// exists only while it has at least one connection.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*roomMembers
	joined map[*Client]map[string]struct{}
	stats  stats.StatsProvider
}

func NewRoomRegistry(su stats.StatsProvider) *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]*roomMembers),
		joined: make(map[*Client]map[string]struct{}),
		stats:  su,
	}
}

// Join adds c to roomId. added is false when c was already a member and
// firstForUser reports whether c is the identity's only connection in the room.
func (rr *RoomRegistry) Join(c *Client, roomId string) (added, firstForUser bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	room, ok := rr.rooms[roomId]
	if !ok {
		room = &roomMembers{
			clients: make(map[*Client]struct{}),
			users:   make(map[string]int),
		}
		rr.rooms[roomId] = room
		rr.stats.Incr("NumActiveRooms")
	}

	if _, ok := room.clients[c]; ok {
		return false, false
	}

	room.clients[c] = struct{}{}
	room.users[c.identity.UserId]++

	if rr.joined[c] == nil {
		rr.joined[c] = make(map[string]struct{})
	}
	rr.joined[c][roomId] = struct{}{}

	return true, room.users[c.identity.UserId] == 1
}

// Leave removes c from roomId. lastForUser reports whether the identity has no
// remaining connection in the room.
func (rr *RoomRegistry) Leave(c *Client, roomId string) (removed, lastForUser bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	return rr.leave(c, roomId)
}

func (rr *RoomRegistry) leave(c *Client, roomId string) (bool, bool) {
	room, ok := rr.rooms[roomId]
	if !ok {
		return false, false
	}
	if _, ok := room.clients[c]; !ok {
		return false, false
	}

	delete(room.clients, c)
	userId := c.identity.UserId
	room.users[userId]--
	last := room.users[userId] == 0
	if last {
		delete(room.users, userId)
	}

	if len(room.clients) == 0 {
		delete(rr.rooms, roomId)
		rr.stats.Decr("NumActiveRooms")
	}

	if rooms, ok := rr.joined[c]; ok {
		delete(rooms, roomId)
		if len(rooms) == 0 {
			delete(rr.joined, c)
		}
	}

	return true, last
}

// PurgeConnection removes c from every room it joined and returns the rooms in
// which its identity is no longer present.
func (rr *RoomRegistry) PurgeConnection(c *Client) []string {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var gone []string
	for roomId := range rr.joined[c] {
		if _, last := rr.leave(c, roomId); last {
			gone = append(gone, roomId)
		}
	}
	sort.Strings(gone)

	return gone
}

func (rr *RoomRegistry) IsMember(c *Client, roomId string) bool {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	_, ok := rr.joined[c][roomId]
	return ok
}

// Members returns a snapshot of the connections in roomId.
func (rr *RoomRegistry) Members(roomId string) []*Client {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	room, ok := rr.rooms[roomId]
	if !ok {
		return nil
	}

	clients := make([]*Client, 0, len(room.clients))
	for c := range room.clients {
		clients = append(clients, c)
	}
	return clients
}

// Identities returns the distinct identities present in roomId ordered by
// user id.
func (rr *RoomRegistry) Identities(roomId string) []types.Identity {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	identities := []types.Identity{}
	room, ok := rr.rooms[roomId]
	if !ok {
		return identities
	}

	seen := make(map[string]struct{}, len(room.users))
	for c := range room.clients {
		if _, ok := seen[c.identity.UserId]; ok {
			continue
		}
		seen[c.identity.UserId] = struct{}{}
		identities = append(identities, c.identity)
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].UserId < identities[j].UserId
	})

	return identities
}

// ConnectionsFor returns the connections of userId that have joined roomId.
func (rr *RoomRegistry) ConnectionsFor(roomId, userId string) []*Client {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	room, ok := rr.rooms[roomId]
	if !ok || room.users[userId] == 0 {
		return nil
	}

	var clients []*Client
	for c := range room.clients {
		if c.identity.UserId == userId {
			clients = append(clients, c)
		}
	}
	return clients
}

func (rr *RoomRegistry) RoomCount() int {
	rr.mu.RLock()
	defer rr.mu.RUnlock()

	return len(rr.rooms)
}

// Broadcast queues msg to every connection in roomId for which skip returns
// false and reports how many frames were queued.
func (rr *RoomRegistry) Broadcast(roomId string, msg *ServerMessage, skip func(*Client) bool) int {
	var sent int
	for _, c := range rr.Members(roomId) {
		if skip != nil && skip(c) {
			continue
		}
		if c.queueMessage(msg) {
			sent++
		}
	}
	return sent
}
