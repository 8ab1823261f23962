package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/NodePath81/rtpqos/internal/tracker"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AddPacket(10)
	m.IncDecodeErrors()
	m.IncWriteErrors()
	m.SetQueueDepth(3)
	m.SetSources(1)
	m.ObserveTick(tracker.SessionReport{}, tracker.IntervalReport{}, false, 0)
	if m.Registry() != nil {
		t.Fatalf("expected nil registry for nil metrics")
	}
}

func TestAddPacketAndErrors(t *testing.T) {
	m := NewMetrics()
	m.AddPacket(100)
	m.AddPacket(50)
	m.IncDecodeErrors()
	if got := testutil.ToFloat64(m.packets); got != 2 {
		t.Fatalf("expected 2 packets, got %v", got)
	}
	if got := testutil.ToFloat64(m.bytes); got != 150 {
		t.Fatalf("expected 150 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.decodeErrors); got != 1 {
		t.Fatalf("expected 1 decode error, got %v", got)
	}
}

func TestObserveTick(t *testing.T) {
	m := NewMetrics()
	session := tracker.SessionReport{Received: 3, Expected: 4, Lost: 1}
	interval := tracker.IntervalReport{Received: 1, Expected: 2, Lost: 1, Wraps: 1}
	m.ObserveTick(session, interval, true, 8000)
	if got := testutil.ToFloat64(m.sessionLossPct); got != 25 {
		t.Fatalf("expected session loss 25, got %v", got)
	}
	if got := testutil.ToFloat64(m.intervalLossPct); got != 50 {
		t.Fatalf("expected interval loss 50, got %v", got)
	}
	if got := testutil.ToFloat64(m.throughputBps); got != 8000 {
		t.Fatalf("expected throughput 8000, got %v", got)
	}

	m.ObserveTick(session, tracker.IntervalReport{}, false, 0)
	if got := testutil.ToFloat64(m.throughputBps); got != 0 {
		t.Fatalf("expected throughput reset to 0, got %v", got)
	}
	if got := testutil.ToFloat64(m.wraps); got != 1 {
		t.Fatalf("expected 1 wrap, got %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.AddPacket(1)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "rtpqos_packets_received_total 1") {
		t.Fatalf("metrics output missing packet counter:\n%s", rec.Body.String())
	}
}
