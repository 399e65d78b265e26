package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/studygroup-relay/internal/bus"
	"github.com/npezzotti/studygroup-relay/internal/config"
	"github.com/npezzotti/studygroup-relay/internal/database"
	"github.com/npezzotti/studygroup-relay/internal/stats"
	"github.com/npezzotti/studygroup-relay/internal/store"
	"github.com/npezzotti/studygroup-relay/internal/types"
)

// resubscribe delay after the bus connection drops
var busRetryDelay = 2 * time.Second

var (
	ErrNotRoomMember         = errors.New("not a member of this room")
	ErrMembershipUnavailable = errors.New("membership lookup failed")
	ErrMissingContent        = errors.New("message has no content or file")
	ErrInvalidSignal         = errors.New("signal requires a target, a room and a payload")

	errMissingData = errors.New("message has no data")
)

var metrics = []string{
	"NumActiveClients",
	"NumActiveRooms",
	"MessagesRelayed",
	"StoreFailures",
	"SignalsRelayed",
	"SignalsDropped",
	"NotificationsDelivered",
	"NotificationsDropped",
	"FramesDropped",
}

type stopRequest struct {
	done chan struct{}
}

type Options struct {
	StoreTimeout  time.Duration
	TypingTimeout time.Duration
	IdleTimeout   time.Duration
	PingInterval  time.Duration
}

// OptionsFromConfig picks the server settings out of the process config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		StoreTimeout:  cfg.StoreTimeout,
		TypingTimeout: cfg.TypingTimeout,
		IdleTimeout:   cfg.IdleTimeout,
		PingInterval:  cfg.PingInterval,
	}
}

type ChatServer struct {
	log          *log.Logger
	members      database.MembershipRepository
	store        store.MessageStore
	bus          bus.Subscriber
	stats        stats.StatsProvider
	registry     *RoomRegistry
	presence     *PresenceTracker
	clients      map[*Client]struct{}
	userMap      map[string]map[*Client]struct{}
	clientsLock  sync.RWMutex
	stop         chan stopRequest
	storeTimeout time.Duration
	idleTimeout  time.Duration
	pingInterval time.Duration
}

func NewChatServer(logger *log.Logger, members database.MembershipRepository, ms store.MessageStore,
	sub bus.Subscriber, su stats.StatsProvider, opts Options) (*ChatServer, error) {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = config.DefaultStoreTimeout
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = config.DefaultTypingTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = config.DefaultIdleTimeout
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.IdleTimeout {
		opts.PingInterval = opts.IdleTimeout * 9 / 10
	}

	for _, m := range metrics {
		su.RegisterMetric(m)
	}

	registry := NewRoomRegistry(su)
	return &ChatServer{
		log:          logger,
		members:      members,
		store:        ms,
		bus:          sub,
		stats:        su,
		registry:     registry,
		presence:     NewPresenceTracker(logger, registry, opts.TypingTimeout),
		clients:      make(map[*Client]struct{}),
		userMap:      make(map[string]map[*Client]struct{}),
		stop:         make(chan stopRequest),
		storeTimeout: opts.StoreTimeout,
		idleTimeout:  opts.IdleTimeout,
		pingInterval: opts.PingInterval,
	}, nil
}

// Run consumes bus notifications until Shutdown is called.
func (cs *ChatServer) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifications := make(chan types.Notification, 256)
	subscribed := make(chan struct{})
	go func() {
		defer close(subscribed)
		cs.subscribe(ctx, notifications)
	}()

	for {
		select {
		case n := <-notifications:
			cs.Deliver(n)
		case req := <-cs.stop:
			cs.log.Println("shutting down chat server")
			cancel()
			<-subscribed

			for _, c := range cs.connections() {
				c.stopClient()
			}
			cs.presence.Stop()

			close(req.done)
			return
		}
	}
}

// Shutdown stops the notification loop and closes every connection.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("received shutdown signal")
	req := stopRequest{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient adds c to the identity index used for notification fan-out.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.log.Printf("adding connection %s from %q", c.id, c.identity.Username)
	cs.addClient(c)
	cs.stats.Incr("NumActiveClients")
}

func (cs *ChatServer) unregisterClient(c *Client) {
	cs.log.Printf("removing connection %s from %q", c.id, c.identity.Username)
	cs.presence.Disconnect(c)
	if cs.removeClient(c) {
		cs.stats.Decr("NumActiveClients")
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	userId := c.identity.UserId
	if cs.userMap[userId] == nil {
		cs.userMap[userId] = make(map[*Client]struct{})
	}
	cs.userMap[userId][c] = struct{}{}
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}
	delete(cs.clients, c)

	userId := c.identity.UserId
	delete(cs.userMap[userId], c)
	if len(cs.userMap[userId]) == 0 {
		delete(cs.userMap, userId)
	}
	return true
}

func (cs *ChatServer) connections() []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	return clients
}

func (cs *ChatServer) clientsFor(userId string) []*Client {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	var clients []*Client
	for c := range cs.userMap[userId] {
		clients = append(clients, c)
	}
	return clients
}

// Join admits c to roomId after confirming room membership with the database.
// Joining a room the connection is already in is a no-op.
func (cs *ChatServer) Join(c *Client, roomId string) error {
	if cs.registry.IsMember(c, roomId) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cs.storeTimeout)
	defer cancel()

	ok, err := cs.members.IsMember(ctx, roomId, c.identity.UserId)
	if err != nil {
		cs.log.Printf("membership lookup for %q in room %q: %v", c.identity.UserId, roomId, err)
		return errors.Join(ErrMembershipUnavailable, err)
	}
	if !ok {
		return ErrNotRoomMember
	}

	if cs.presence.Join(c, roomId) {
		cs.log.Printf("connection %s joined room %q", c.id, roomId)
	}
	return nil
}

func (cs *ChatServer) Leave(c *Client, roomId string) {
	if cs.presence.Leave(c, roomId) {
		cs.log.Printf("connection %s left room %q", c.id, roomId)
	}
}

func (cs *ChatServer) dispatch(c *Client, msg *ClientMessage) {
	switch msg.Type {
	case EventRoomJoin:
		cs.handleJoin(c, msg)
	case EventRoomLeave:
		cs.handleLeave(c, msg)
	case EventChatSend:
		cs.handleChatSend(c, msg)
	case EventChatTyping:
		cs.handleTyping(c, msg)
	case EventSignalOffer, EventSignalAnswer, EventSignalCandidate:
		cs.handleSignal(c, msg)
	default:
		c.queueMessage(ErrUnknownEvent(msg.Id))
	}
}

func (cs *ChatServer) handleJoin(c *Client, msg *ClientMessage) {
	var req RoomRequest
	if err := decodeData(msg, &req); err != nil || req.RoomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err := cs.Join(c, req.RoomId); err != nil {
		c.queueMessage(responseForError(msg.Id, err))
		return
	}

	c.queueMessage(NoErrOK(msg.Id, RoomInfo{
		RoomId:  req.RoomId,
		Members: cs.registry.Identities(req.RoomId),
	}))
}

func (cs *ChatServer) handleLeave(c *Client, msg *ClientMessage) {
	var req RoomRequest
	if err := decodeData(msg, &req); err != nil || req.RoomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	cs.Leave(c, req.RoomId)
	c.queueMessage(NoErrOK(msg.Id, nil))
}

func (cs *ChatServer) handleTyping(c *Client, msg *ClientMessage) {
	var req ChatTyping
	if err := decodeData(msg, &req); err != nil || req.RoomId == "" {
		c.queueMessage(ErrInvalidMessage(msg.Id))
		return
	}

	if err := cs.presence.SetTyping(c, req.RoomId, req.IsTyping); err != nil {
		c.queueMessage(responseForError(msg.Id, err))
		return
	}

	if msg.Id > 0 {
		c.queueMessage(NoErrOK(msg.Id, nil))
	}
}

func decodeData(msg *ClientMessage, v any) error {
	if len(msg.Data) == 0 {
		return errMissingData
	}
	return json.Unmarshal(msg.Data, v)
}

func responseForError(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, ErrNotRoomMember):
		return ErrNotMember(id)
	case errors.Is(err, ErrMissingContent):
		return ErrEmptyMessage(id)
	case errors.Is(err, ErrInvalidSignal):
		return ErrInvalidMessage(id)
	case errors.Is(err, ErrMembershipUnavailable), errors.Is(err, store.ErrStoreUnavailable):
		return ErrUpstreamUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}
