package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Wildcard matches any channel or event name in Subscribe.
const Wildcard = "*"

type Event struct {
	Channel string    `json:"channel"`
	Name    string    `json:"event"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

type Handler func(ctx context.Context, evt Event) error

type Subscription struct {
	id      uint64
	Channel string
	Event   string
}

type subscriber struct {
	id      uint64
	channel string
	event   string
	handler Handler
}

// FailureFunc is told about every listener that returned an error or panicked.
type FailureFunc func(evt Event, err error)

// Notifier is an in-process observer registry. Delivery is synchronous,
// at-most-once and in registration order. A failing listener never stops its
// siblings or the publisher.
type Notifier struct {
	mu        sync.RWMutex
	nextID    uint64
	subs      []subscriber
	onFailure FailureFunc
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func OwnerChannel(ownerID string) string {
	return "owner." + ownerID
}

func BranchChannel(branchID string) string {
	return "branch." + branchID
}

func (n *Notifier) OnFailure(fn FailureFunc) {
	n.mu.Lock()
	n.onFailure = fn
	n.mu.Unlock()
}

func (n *Notifier) Subscribe(channel string, event string, handler Handler) Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	n.subs = append(n.subs, subscriber{
		id:      n.nextID,
		channel: channel,
		event:   event,
		handler: handler,
	})
	return Subscription{id: n.nextID, Channel: channel, Event: event}
}

func (n *Notifier) Unsubscribe(sub Subscription) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, s := range n.subs {
		if s.id == sub.id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish delivers the event to every matching listener and returns how many
// of them completed without error.
func (n *Notifier) Publish(ctx context.Context, channel string, event string, payload any) int {
	evt := Event{
		Channel: channel,
		Name:    event,
		Payload: payload,
		At:      time.Now().UTC(),
	}

	n.mu.RLock()
	targets := make([]subscriber, 0, len(n.subs))
	for _, s := range n.subs {
		if matches(s.channel, channel) && matches(s.event, event) {
			targets = append(targets, s)
		}
	}
	onFailure := n.onFailure
	n.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if err := deliver(ctx, s.handler, evt); err != nil {
			log.Printf("[realtime] WARN: listener %d on %s/%s failed: %v", s.id, channel, event, err)
			if onFailure != nil {
				onFailure(evt, err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (n *Notifier) ListenerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

func deliver(ctx context.Context, handler Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return handler(ctx, evt)
}

func matches(pattern string, value string) bool {
	return pattern == Wildcard || pattern == value
}
