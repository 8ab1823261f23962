package writebehind

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
	fail  map[string]bool
}

func (s *recordingSink) WriteLine(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[line] {
		return errors.New("disk full")
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *recordingSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTasksRunInOrderThenStop(t *testing.T) {
	sink := &recordingSink{}
	l := NewLogger(8, testLogger(), nil)
	l.Start()

	const n = 500
	for i := 0; i < n; i++ {
		if err := l.Submit(Write(sink, strconv.Itoa(i))); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := l.Submit(StopTask()); err != nil {
		t.Fatalf("submit stop: %v", err)
	}

	lines := sink.snapshot()
	if len(lines) != n {
		t.Fatalf("expected %d writes, got %d", n, len(lines))
	}
	for i, line := range lines {
		if line != strconv.Itoa(i) {
			t.Fatalf("write %d out of order: %q", i, line)
		}
	}

	if err := l.Submit(Write(sink, "late")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after stop, got %v", err)
	}
	if got := len(sink.snapshot()); got != n {
		t.Fatalf("expected no writes after stop, got %d", got)
	}
}

func TestFailedWriteDoesNotStopWorker(t *testing.T) {
	sink := &recordingSink{fail: map[string]bool{"b": true}}
	l := NewLogger(4, testLogger(), nil)
	l.Start()
	for _, line := range []string{"a", "b", "c"} {
		if err := l.Submit(Write(sink, line)); err != nil {
			t.Fatalf("submit %s: %v", line, err)
		}
	}
	l.Stop()
	got := strings.Join(sink.snapshot(), ",")
	if got != "a,c" {
		t.Fatalf("expected a,c after failed write, got %s", got)
	}
}

func TestRestartAfterStop(t *testing.T) {
	sink := &recordingSink{}
	l := NewLogger(4, testLogger(), nil)
	l.Start()
	_ = l.Submit(Write(sink, "one"))
	l.Stop()
	l.Stop()

	l.Start()
	if err := l.Submit(Write(sink, "two")); err != nil {
		t.Fatalf("submit after restart: %v", err)
	}
	l.Stop()
	if got := strings.Join(sink.snapshot(), ","); got != "one,two" {
		t.Fatalf("expected one,two, got %s", got)
	}
	if l.Pending() != 0 {
		t.Fatalf("expected empty queue, got %d", l.Pending())
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	l := NewLogger(1, testLogger(), nil)
	if err := l.Submit(Write(&recordingSink{}, "x")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before start, got %v", err)
	}
	if err := l.Submit(Task{}); err == nil {
		t.Fatalf("expected error for task without sink")
	}
}

func TestConcurrentProducersKeepPerProducerOrder(t *testing.T) {
	sink := &recordingSink{}
	l := NewLogger(16, testLogger(), nil)
	l.Start()
	var wg sync.WaitGroup
	for p := 0; p < 2; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				_ = l.Submit(Write(sink, strconv.Itoa(p)+":"+strconv.Itoa(i)))
			}
		}(p)
	}
	wg.Wait()
	l.Stop()

	next := map[string]int{}
	for _, line := range sink.snapshot() {
		parts := strings.SplitN(line, ":", 2)
		if want := strconv.Itoa(next[parts[0]]); parts[1] != want {
			t.Fatalf("producer %s: got %s, want %s", parts[0], parts[1], want)
		}
		next[parts[0]]++
	}
	if next["0"] != 200 || next["1"] != 200 {
		t.Fatalf("expected 200 writes per producer, got %v", next)
	}
}

func TestFileSinkAppendsAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "Packets.log")
	sink := NewFileSink(path)
	l := NewLogger(4, testLogger(), nil)
	l.Start()
	_ = l.Submit(Write(sink, "first"))
	l.Stop()

	l.Start()
	_ = l.Submit(Write(sink, "second"))
	l.Stop()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if string(raw) != "first\nsecond\n" {
		t.Fatalf("unexpected file content %q", string(raw))
	}
	if sink.Path() != path {
		t.Fatalf("unexpected path %s", sink.Path())
	}
}

func TestWriterSink(t *testing.T) {
	var b strings.Builder
	sink := NewWriterSink(&b)
	if err := sink.WriteLine("hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.String() != "hello\n" {
		t.Fatalf("unexpected output %q", b.String())
	}
}
