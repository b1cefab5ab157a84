package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(WithRegistry(reg), WithConstLabels(prometheus.Labels{"node": "a"}))

	m.ConnOpened("tcp")
	m.ConnOpened("tcp")
	m.ConnClosed("tcp")
	m.Detected("tcp", "intermediate+obfs", 3*time.Millisecond)
	m.FrameIn("intermediate")
	m.FrameIn("intermediate")
	m.FrameOut("intermediate")
	m.BytesIn(100)
	m.BytesIn(0)
	m.QuickAck()
	m.Error("checksum")
	m.Rejected("limit")
	m.Dispatched("ping", "ok", time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		`mtwire_gateway_connections_active{listener="tcp",node="a"} 1`,
		`mtwire_gateway_connections_total{listener="tcp",node="a",transport="intermediate+obfs"} 1`,
		`mtwire_gateway_frames_total{direction="in",node="a",variant="intermediate"} 2`,
		`mtwire_gateway_frames_total{direction="out",node="a",variant="intermediate"} 1`,
		`mtwire_gateway_bytes_total{direction="in",node="a"} 100`,
		`mtwire_gateway_quick_acks_total{node="a"} 1`,
		`mtwire_gateway_errors_total{kind="checksum",node="a"} 1`,
		`mtwire_gateway_connections_rejected_total{node="a",reason="limit"} 1`,
		`mtwire_gateway_dispatch_duration_seconds_count{constructor="ping",node="a",status="ok"} 1`,
		`mtwire_gateway_detect_duration_seconds_count{node="a",transport="intermediate+obfs"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output lacks %s", want)
		}
	}
	if strings.Contains(body, `bytes_total{direction="out"`) {
		t.Errorf("unused direction has a series")
	}
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestHandler(t *testing.T) {
	m := New(WithNamespace("test"), WithSubsystem("gw"))
	m.QuickAck()

	if body := scrape(t, m); !strings.Contains(body, "test_gw_quick_acks_total 1") {
		t.Errorf("metrics output lacks quick-ack counter:\n%s", body)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ConnOpened("tcp")
	m.Detected("tcp", "abridged", time.Second)
	m.FrameIn("abridged")
	m.BytesOut(10)
	m.Error("format")
	m.Dispatched("ping", "ok", 0)
	if m.Handler() == nil {
		t.Error("nil Metrics has no handler")
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two sets on their own registries must not collide.
	New()
	New()
}
