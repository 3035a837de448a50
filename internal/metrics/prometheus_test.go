package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(EventSignalRelayed)
	m.Add(EventChatMessage, 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE peercall_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `peercall_events_total{event="chat_message"} 2`) {
		t.Fatalf("missing chat counter: %s", body)
	}
	if !strings.Contains(body, `peercall_events_total{event="signal_relayed"} 1`) {
		t.Fatalf("missing relay counter: %s", body)
	}
	// Label escaping must match Prometheus text format rules.
	if !strings.Contains(body, `peercall_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(EventRoomCreated)
	if got := m.Get(EventRoomCreated); got != 0 {
		t.Fatalf("nil metrics Get = %d, want 0", got)
	}
}
