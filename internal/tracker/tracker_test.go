package tracker

import (
	"math"
	"sync"
	"testing"
)

func feed(tr *Tracker, seqs []uint16, startTS uint32) {
	ts := startTS
	for _, seq := range seqs {
		tr.Observe(seq, ts, 100)
		ts += 3000
	}
}

func seqRange(from, to int) []uint16 {
	out := make([]uint16, 0, to-from+1)
	for i := from; i <= to; i++ {
		out = append(out, uint16(i))
	}
	return out
}

func TestSessionNoLoss(t *testing.T) {
	tr := NewTracker()
	feed(tr, seqRange(1, 100), 1000)
	s := tr.SnapshotSession()
	if s.Expected != 100 || s.Received != 100 || s.Lost != 0 {
		t.Fatalf("expected 100/100/0, got %+v", s)
	}
}

func TestSessionWraparound(t *testing.T) {
	tr := NewTracker()
	seqs := append(seqRange(65530, 65535), seqRange(0, 10)...)
	feed(tr, seqs, 1000)
	s := tr.SnapshotSession()
	if s.Expected != 17 || s.Received != 17 || s.Lost != 0 {
		t.Fatalf("expected 17/17/0 across wrap, got %+v", s)
	}
	if s.Wraps != 1 {
		t.Fatalf("expected 1 wrap, got %d", s.Wraps)
	}

	iv := tr.SnapshotAndResetInterval()
	if iv.Expected != 17 || iv.Received != 17 || iv.Lost != 0 {
		t.Fatalf("expected interval 17/17/0 across wrap, got %+v", iv)
	}
	if iv.Wraps != 1 {
		t.Fatalf("expected interval wrap count 1, got %d", iv.Wraps)
	}
}

func TestSessionGaps(t *testing.T) {
	tr := NewTracker()
	feed(tr, []uint16{10, 20, 30}, 1000)
	s := tr.SnapshotSession()
	if s.Expected != 21 || s.Received != 3 || s.Lost != 18 {
		t.Fatalf("expected 21/3/18, got %+v", s)
	}
	pct, ok := LossPercent(s.Received, s.Expected)
	if !ok || math.Abs(pct-85.714) > 0.001 {
		t.Fatalf("unexpected loss percent %v (ok=%v)", pct, ok)
	}
}

func TestSessionBaselineMovesForEarlierPacket(t *testing.T) {
	tr := NewTracker()
	tr.Observe(5, 2000, 10)
	tr.Observe(4, 1000, 10)
	tr.Observe(6, 3000, 10)
	s := tr.SnapshotSession()
	if s.FirstSeq != 4 || s.LastSeq != 6 {
		t.Fatalf("expected window 4..6, got %d..%d", s.FirstSeq, s.LastSeq)
	}
	if s.Expected != 3 || s.Lost != 0 {
		t.Fatalf("expected 3 expected / 0 lost, got %+v", s)
	}
}

func TestSessionStragglerAfterWrap(t *testing.T) {
	tr := NewTracker()
	tr.Observe(65534, 1000, 10)
	tr.Observe(0, 3000, 10)
	tr.Observe(65535, 2000, 10)
	tr.Observe(1, 4000, 10)
	s := tr.SnapshotSession()
	if s.Expected != 4 || s.Received != 4 {
		t.Fatalf("expected 4/4, got %+v", s)
	}
	iv := tr.SnapshotAndResetInterval()
	if iv.Expected != 4 || iv.Lost != 0 {
		t.Fatalf("expected interval 4/0, got %+v", iv)
	}
}

func TestRepeatedWraparound(t *testing.T) {
	tr := NewTracker()
	seqs := seqRange(65000, 65535)
	seqs = append(seqs, seqRange(0, 65535)...)
	seqs = append(seqs, seqRange(0, 999)...)
	feed(tr, seqs, 1000)

	s := tr.SnapshotSession()
	if s.Received != 67072 || s.Expected != s.Received || s.Lost != 0 {
		t.Fatalf("expected 67072 received with no loss, got %+v", s)
	}
	if s.Wraps != 2 {
		t.Fatalf("expected 2 wraps, got %d", s.Wraps)
	}
	iv := tr.SnapshotAndResetInterval()
	if iv.Expected != 67072 || iv.Lost != 0 || iv.Wraps != 2 {
		t.Fatalf("expected interval 67072/0 over 2 wraps, got %+v", iv)
	}
}

func TestSecondWrapCountsLoss(t *testing.T) {
	tr := NewTracker()
	seqs := seqRange(65530, 65535)
	seqs = append(seqs, seqRange(0, 65535)...)
	seqs = append(seqs, 0, 1, 2, 8, 9)
	feed(tr, seqs, 1000)

	s := tr.SnapshotSession()
	if s.Wraps != 2 || s.Lost != 5 {
		t.Fatalf("expected 5 lost over 2 wraps, got %+v", s)
	}
}

func TestIntervalResetAndSingleSample(t *testing.T) {
	tr := NewTracker()
	feed(tr, seqRange(1, 10), 1000)
	first := tr.SnapshotAndResetInterval()
	if first.Received != 10 || first.Expected != 10 || first.Bytes != 1000 {
		t.Fatalf("unexpected first interval %+v", first)
	}

	empty := tr.SnapshotAndResetInterval()
	if empty.Received != 0 || empty.Expected != 0 || empty.Bytes != 0 {
		t.Fatalf("expected empty interval, got %+v", empty)
	}

	tr.Observe(11, 50000, 200)
	single := tr.SnapshotAndResetInterval()
	if single.Received != 1 || single.Expected != 1 || single.Lost != 0 {
		t.Fatalf("expected single sample 1/1/0, got %+v", single)
	}

	s := tr.SnapshotSession()
	if s.Received != 11 || s.Expected != 11 {
		t.Fatalf("session must survive interval resets, got %+v", s)
	}
}

func TestIntervalGaps(t *testing.T) {
	tr := NewTracker()
	feed(tr, []uint16{100, 101, 105}, 0)
	iv := tr.SnapshotAndResetInterval()
	if iv.Expected != 6 || iv.Lost != 3 {
		t.Fatalf("expected 6 expected / 3 lost, got %+v", iv)
	}
}

func TestResetSession(t *testing.T) {
	tr := NewTracker()
	feed(tr, seqRange(1, 5), 0)
	tr.ResetSession()
	if got := tr.SessionReceived(); got != 0 {
		t.Fatalf("expected 0 after reset, got %d", got)
	}
	s := tr.SnapshotSession()
	if s.Expected != 0 {
		t.Fatalf("expected 0 expected after reset, got %d", s.Expected)
	}
	if iv := tr.SnapshotAndResetInterval(); iv.Received != 0 {
		t.Fatalf("expected empty interval after reset, got %+v", iv)
	}
}

func TestLossPercentGuard(t *testing.T) {
	if _, ok := LossPercent(0, 0); ok {
		t.Fatalf("expected no percentage for zero expected")
	}
	if pct, ok := LossPercent(3, 4); !ok || pct != 25 {
		t.Fatalf("LossPercent(3,4) = %v, %v", pct, ok)
	}
}

func TestConcurrentObserveAndSnapshot(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		feed(tr, seqRange(0, 5000), 0)
	}()
	var intervalTotal uint64
	for i := 0; i < 50; i++ {
		intervalTotal += tr.SnapshotAndResetInterval().Received
		_ = tr.SnapshotSession()
	}
	wg.Wait()
	intervalTotal += tr.SnapshotAndResetInterval().Received
	if intervalTotal != 5001 {
		t.Fatalf("expected 5001 packets across intervals, got %d", intervalTotal)
	}
	if s := tr.SnapshotSession(); s.Received != 5001 || s.Lost != 0 {
		t.Fatalf("unexpected session %+v", s)
	}
}
