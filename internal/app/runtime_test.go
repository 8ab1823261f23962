package app

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NodePath81/rtpqos/internal/config"
	"github.com/NodePath81/rtpqos/internal/reporter"
	"github.com/NodePath81/rtpqos/internal/tracker"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseConfig(t *testing.T, extra string) config.Config {
	t.Helper()
	raw := fmt.Sprintf("multicast:\n  group: 239.10.0.1\n  port: 5004\noutput:\n  dir: %s\n%s", t.TempDir(), extra)
	cfg, err := config.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	return cfg
}

func TestRuntimeOutputFileNames(t *testing.T) {
	cfg := parseConfig(t, "")
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	rt, err := NewRuntime(cfg, &bytes.Buffer{}, testLogger(), now)
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Stop()
	if got, want := rt.packetSink.Path(), filepath.Join(cfg.Output.Dir, "Packets_2024-01-02_030405.log"); got != want {
		t.Fatalf("packet file %q, want %q", got, want)
	}
	if got, want := rt.statsSink.Path(), filepath.Join(cfg.Output.Dir, "Statistics_2024-01-02_030405.txt"); got != want {
		t.Fatalf("stats file %q, want %q", got, want)
	}
	if rt.control != nil {
		t.Fatalf("expected control server disabled by default")
	}
	if rt.Receiver().Listening() {
		t.Fatalf("expected receiver idle before Start")
	}
	if _, err := os.Stat(rt.packetSink.Path()); !os.IsNotExist(err) {
		t.Fatalf("expected packet file created lazily, stat err=%v", err)
	}
}

func TestRuntimeHooksFeedMetricsAndHistory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg := parseConfig(t, "history:\n  path: "+dbPath+"\n")
	rt, err := NewRuntime(cfg, nil, testLogger(), time.Now())
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	defer rt.Stop()

	report := reporter.Report{
		Time:      time.Now(),
		SessionID: "s1",
		Session:   tracker.SessionReport{Received: 9, Expected: 10, Lost: 1},
		Interval:  &tracker.IntervalReport{Received: 9, Expected: 10, Lost: 1, Bytes: 900},
		Mbps:      2,
	}
	rt.observeReport(report)
	rt.recordReport(report)
	rt.status.Publish(report)

	rows, err := rt.history.Recent("s1", 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(rows) != 1 || rows[0].Session.Received != 9 {
		t.Fatalf("unexpected history rows %+v", rows)
	}
	latest, ok := rt.status.Latest()
	if !ok || latest.SessionID != "s1" {
		t.Fatalf("expected status store to hold the report")
	}
	if err := testutil.GatherAndCompare(rt.metrics.Registry(), bytes.NewBufferString(`
# HELP rtpqos_interval_throughput_bits_per_second Received throughput of the last reporting interval.
# TYPE rtpqos_interval_throughput_bits_per_second gauge
rtpqos_interval_throughput_bits_per_second 2e+06
`), "rtpqos_interval_throughput_bits_per_second"); err != nil {
		t.Fatalf("unexpected throughput metric: %v", err)
	}
}

func TestRuntimeRejectsMissingGeoIP(t *testing.T) {
	cfg := parseConfig(t, "geoip:\n  database: "+filepath.Join(t.TempDir(), "missing.mmdb")+"\n")
	if _, err := NewRuntime(cfg, nil, testLogger(), time.Now()); err == nil {
		t.Fatalf("expected error for missing geoip database")
	}
}

func TestSupervisorMissingConfig(t *testing.T) {
	s := NewSupervisor(filepath.Join(t.TempDir(), "nope.yaml"), nil, testLogger())
	if err := s.Start(); err == nil {
		t.Fatalf("expected error for missing config")
	}
	s.Stop()
}
