package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"kasira/backend/internal/realtime"
)

// Publisher carries notifier events to consumers outside this process.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ string, _ []byte) error {
	return nil
}

// Attach forwards every notifier event to pub under "<prefix>:<channel>".
// Publish errors are returned to the notifier, which isolates and logs them.
func Attach(n *realtime.Notifier, pub Publisher, prefix string, timeout time.Duration) realtime.Subscription {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return n.Subscribe(realtime.Wildcard, realtime.Wildcard, func(ctx context.Context, evt realtime.Event) error {
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := pub.Publish(pubCtx, ChannelName(prefix, evt.Channel), payload); err != nil {
			log.Printf("[relay] publish %s failed: %v", evt.Channel, err)
			return err
		}
		return nil
	})
}

func ChannelName(prefix string, channel string) string {
	if prefix == "" {
		return channel
	}
	return prefix + ":" + channel
}
