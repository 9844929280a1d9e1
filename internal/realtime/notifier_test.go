package realtime

import (
	"context"
	"errors"
	"testing"
)

func TestPublishDeliversInRegistrationOrder(t *testing.T) {
	n := NewNotifier()
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		n.Subscribe(BranchChannel("b1"), "stock-changed", func(context.Context, Event) error {
			order = append(order, i)
			return nil
		})
	}

	delivered := n.Publish(context.Background(), BranchChannel("b1"), "stock-changed", nil)
	if delivered != 3 {
		t.Fatalf("expected 3 deliveries, got %d", delivered)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected registration order [1 2 3], got %v", order)
	}
}

func TestPublishIsolatesFailingListeners(t *testing.T) {
	n := NewNotifier()
	var failures []error
	n.OnFailure(func(_ Event, err error) {
		failures = append(failures, err)
	})

	reached := false
	n.Subscribe("owner.u1", Wildcard, func(context.Context, Event) error {
		panic("boom")
	})
	n.Subscribe("owner.u1", Wildcard, func(context.Context, Event) error {
		return errors.New("listener down")
	})
	n.Subscribe("owner.u1", Wildcard, func(context.Context, Event) error {
		reached = true
		return nil
	})

	delivered := n.Publish(context.Background(), "owner.u1", "transaction-created", map[string]string{"id": "TX-1"})
	if !reached {
		t.Fatalf("expected listener after failures to run")
	}
	if delivered != 1 {
		t.Fatalf("expected 1 successful delivery, got %d", delivered)
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 reported failures, got %d", len(failures))
	}
}

func TestPublishFiltersByChannelAndEvent(t *testing.T) {
	n := NewNotifier()
	hits := map[string]int{}
	n.Subscribe("branch.b1", "stock-changed", func(_ context.Context, evt Event) error {
		hits["exact"]++
		return nil
	})
	n.Subscribe(Wildcard, Wildcard, func(_ context.Context, evt Event) error {
		hits["all"]++
		return nil
	})
	n.Subscribe("branch.b2", Wildcard, func(_ context.Context, evt Event) error {
		hits["other-branch"]++
		return nil
	})

	n.Publish(context.Background(), "branch.b1", "stock-changed", nil)
	n.Publish(context.Background(), "branch.b1", "payment-status-updated", nil)

	if hits["exact"] != 1 || hits["all"] != 2 || hits["other-branch"] != 0 {
		t.Fatalf("unexpected hit counts: %v", hits)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	n := NewNotifier()
	calls := 0
	sub := n.Subscribe("branch.b1", Wildcard, func(context.Context, Event) error {
		calls++
		return nil
	})

	n.Publish(context.Background(), "branch.b1", "stock-changed", nil)
	if !n.Unsubscribe(sub) {
		t.Fatalf("expected unsubscribe to find the subscription")
	}
	if n.Unsubscribe(sub) {
		t.Fatalf("expected second unsubscribe to report false")
	}
	n.Publish(context.Background(), "branch.b1", "stock-changed", nil)

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	if n.ListenerCount() != 0 {
		t.Fatalf("expected no listeners, got %d", n.ListenerCount())
	}
}

func TestListenerMayUnsubscribeDuringPublish(t *testing.T) {
	n := NewNotifier()
	var sub Subscription
	calls := 0
	sub = n.Subscribe("branch.b1", Wildcard, func(context.Context, Event) error {
		calls++
		n.Unsubscribe(sub)
		return nil
	})

	n.Publish(context.Background(), "branch.b1", "stock-changed", nil)
	n.Publish(context.Background(), "branch.b1", "stock-changed", nil)
	if calls != 1 {
		t.Fatalf("expected listener to run once, got %d", calls)
	}
}
