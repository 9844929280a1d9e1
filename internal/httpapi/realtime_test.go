package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kasira/backend/internal/domain"
	"kasira/backend/internal/realtime"
)

func dialRealtime(t *testing.T, srv *httptest.Server, token string, channel string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{}
	q.Set("channel", channel)
	q.Set("access_token", token)
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/realtime?"+q.Encode(), nil)
}

func TestRealtimeStreamsBranchStockChanges(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	token := login(t, api.Handler(), "kasir@kasira.id", testCashierPassword)
	conn, _, err := dialRealtime(t, srv, token, realtime.BranchChannel("b1"))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	body, _ := json.Marshal(domain.TransactionCreateRequest{
		BranchID:      "b1",
		Items:         []domain.TransactionLineRequest{{ProductID: "p2", Quantity: 4}},
		PaymentMethod: domain.PaymentCash,
	})
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/transactions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", res.StatusCode)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var evt struct {
		Name    string                   `json:"event"`
		Payload domain.StockChangedEvent `json:"payload"`
	}
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if evt.Name != domain.EventStockChanged || len(evt.Payload.Changes) != 1 || evt.Payload.Changes[0].Delta != -4 {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestRealtimeRejectsForeignChannel(t *testing.T) {
	api, _ := newTestAPI(t)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	token := login(t, api.Handler(), "kasir@kasira.id", testCashierPassword)
	_, res, err := dialRealtime(t, srv, token, realtime.BranchChannel("b2"))
	if err == nil {
		t.Fatalf("expected handshake to be refused")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 response, got %+v", res)
	}

	_, res, err = dialRealtime(t, srv, "not-a-token", realtime.BranchChannel("b1"))
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token")
	}
}
