package server

import (
	"context"
	"time"

	"github.com/npezzotti/studygroup-relay/internal/types"
)

// Deliver pushes n to every open connection of its recipient and reports how
// many frames were queued. A recipient with no connection, or whose send
// buffers are all full, counts as dropped.
func (cs *ChatServer) Deliver(n types.Notification) int {
	clients := cs.clientsFor(n.RecipientId)
	if len(clients) == 0 {
		cs.stats.Incr("NotificationsDropped")
		return 0
	}

	out := &ServerMessage{
		BaseMessage:  BaseMessage{Timestamp: Now()},
		Type:         EventNotification,
		Notification: &NotificationEvent{Payload: n.Payload},
	}

	var delivered int
	for _, c := range clients {
		if c.queueMessage(out) {
			delivered++
		}
	}

	if delivered == 0 {
		cs.stats.Incr("NotificationsDropped")
	} else {
		cs.stats.Incr("NotificationsDelivered")
	}
	cs.log.Printf("notification for %q delivered to %d of %d connections", n.RecipientId, delivered, len(clients))
	return delivered
}

// subscribe keeps a bus subscription open until ctx is done, resubscribing
// after a fixed delay when it fails. Notifications published while the
// subscription is down are not recovered.
func (cs *ChatServer) subscribe(ctx context.Context, out chan<- types.Notification) {
	if cs.bus == nil {
		return
	}

	for {
		err := cs.bus.Subscribe(ctx, func(n types.Notification) {
			select {
			case out <- n:
			case <-ctx.Done():
			}
		})
		if ctx.Err() != nil {
			return
		}

		cs.log.Printf("notification subscription ended: %v, retrying in %s", err, busRetryDelay)
		select {
		case <-time.After(busRetryDelay):
		case <-ctx.Done():
			return
		}
	}
}
