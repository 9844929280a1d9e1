package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestGatewayStreamsChannelEvents(t *testing.T) {
	n := NewNotifier()
	gw := NewGateway(n, "*")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.Serve(w, r, BranchChannel("b1"))
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	n.Publish(context.Background(), BranchChannel("b2"), "stock-changed", map[string]string{"skip": "me"})
	n.Publish(context.Background(), BranchChannel("b1"), "stock-changed", map[string]string{"product_id": "p1"})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	var evt struct {
		Channel string            `json:"channel"`
		Name    string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if evt.Channel != "branch.b1" || evt.Name != "stock-changed" || evt.Payload["product_id"] != "p1" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestGatewayReleasesSubscriptionOnClose(t *testing.T) {
	n := NewNotifier()
	gw := NewGateway(n, "*")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gw.Serve(w, r, OwnerChannel("u1"))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if n.ListenerCount() != 1 {
		t.Fatalf("expected 1 listener while connected, got %d", n.ListenerCount())
	}
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for n.ListenerCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("listener not released after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
