package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.TransactionCreated("CASH", "success")
	m.TransactionCreated("CASH", "success")
	m.Settlement("success", "applied")
	m.ListenerFailed("stock-changed")

	if got := testutil.ToFloat64(m.transactions.WithLabelValues("CASH", "success")); got != 2 {
		t.Fatalf("expected 2 cash transactions, got %v", got)
	}
	if got := testutil.ToFloat64(m.settlements.WithLabelValues("success", "applied")); got != 1 {
		t.Fatalf("expected 1 settlement, got %v", got)
	}
	if got := testutil.ToFloat64(m.listenerFailures.WithLabelValues("stock-changed")); got != 1 {
		t.Fatalf("expected 1 listener failure, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodGet, http.StatusOK, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "kasira_http_request_duration_seconds") {
		t.Fatalf("expected histogram in exposition output")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TransactionCreated("CASH", "success")
	m.Settlement("success", "applied")
	m.ListenerFailed("x")
	m.ObserveHTTP(http.MethodGet, 200, time.Millisecond)
}
