// Package tracker accounts RTP sequence numbers into session and interval
// loss statistics, correcting for 16-bit sequence wraparound.
//
// Wraparound is told apart from reordering by the media timestamp: RTP
// timestamps keep increasing while the sequence counter rolls over, so a
// sequence number below the window start that carries a newer timestamp
// opens a new window instead of counting as a reordered packet.
package tracker

import (
	"sync"
)

const seqModulus = 1 << 16

// SessionReport is a read-only view of session-scope counters.
type SessionReport struct {
	Received uint64 `json:"received"`
	Expected uint64 `json:"expected"`
	Lost     int64  `json:"lost"`
	FirstSeq uint16 `json:"first_seq"`
	LastSeq  uint16 `json:"last_seq"`
	Wraps    uint64 `json:"wraps"`
}

// IntervalReport is the state of one reporting window at the moment it was
// closed.
type IntervalReport struct {
	Received uint64 `json:"received"`
	Expected uint64 `json:"expected"`
	Lost     int64  `json:"lost"`
	Bytes    uint64 `json:"bytes"`
	Wraps    uint32 `json:"wraps"`
}

type sessionState struct {
	started  bool
	firstSeq uint16
	firstTS  uint32
	lastSeq  uint16
	received uint64
	// carried is the expected count folded in from windows closed by a wrap.
	carried uint64
	// prevLast is the highest sequence of the window closed by the last wrap.
	prevLast uint16
	wraps    uint64
}

type intervalState struct {
	samples  []int64
	min      int64
	max      int64
	bytes    uint64
	firstSeq uint16
	firstTS  uint32
	lastSeq  uint16
	wraps    uint32
}

// Tracker is shared by the capture loop (sole writer) and the reporter
// (sole reader/resetter). Session and interval state sit behind separate
// locks so a report never holds up session accounting.
type Tracker struct {
	sessionMu sync.Mutex
	session   sessionState

	intervalMu sync.Mutex
	interval   intervalState
}

func NewTracker() *Tracker {
	return &Tracker{
		interval: intervalState{samples: make([]int64, 0, 2048)},
	}
}

// Observe records one received packet.
func (t *Tracker) Observe(seq uint16, ts uint32, byteLen int) {
	t.observeSession(seq, ts)
	t.observeInterval(seq, ts, byteLen)
}

func (t *Tracker) observeSession(seq uint16, ts uint32) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()

	s := &t.session
	switch {
	case !s.started:
		s.started = true
		s.firstSeq = seq
		s.firstTS = ts
		s.lastSeq = seq
	case seq < s.firstSeq && ts < s.firstTS:
		// Earlier packet arriving late at session start: move the baseline.
		s.firstSeq = seq
		s.firstTS = ts
	case ts > s.firstTS && wrapped(seq, s.firstSeq, s.lastSeq):
		s.carried += uint64(s.lastSeq) - uint64(s.firstSeq) + 1
		s.prevLast = s.lastSeq
		s.wraps++
		s.firstSeq = seq
		s.firstTS = ts
		s.lastSeq = seq
	case s.wraps > 0 && ts < s.firstTS && seq > s.firstSeq && seq-s.firstSeq > seqModulus/2:
		// Straggler from the window closed by the last wrap. Extend the
		// folded window if it lands past the old end.
		if seq > s.prevLast {
			s.carried += uint64(seq) - uint64(s.prevLast)
			s.prevLast = seq
		}
	case seq > s.lastSeq:
		s.lastSeq = seq
	}
	s.received++
}

func (t *Tracker) observeInterval(seq uint16, ts uint32, byteLen int) {
	t.intervalMu.Lock()
	defer t.intervalMu.Unlock()

	iv := &t.interval
	if len(iv.samples) == 0 {
		iv.firstSeq = seq
		iv.firstTS = ts
		iv.lastSeq = seq
		iv.wraps = 0
	} else if ts > iv.firstTS && wrapped(seq, iv.firstSeq, iv.lastSeq) {
		iv.wraps++
		iv.firstSeq = seq
		iv.firstTS = ts
		iv.lastSeq = seq
	}

	offset := int64(iv.wraps)
	if iv.wraps > 0 && seq > iv.firstSeq && ts < iv.firstTS && seq-iv.firstSeq > seqModulus/2 {
		// Straggler from before the last wrap.
		offset--
	} else if seq > iv.lastSeq {
		iv.lastSeq = seq
	}
	value := int64(seq) + seqModulus*offset

	if len(iv.samples) == 0 || value < iv.min {
		iv.min = value
	}
	if len(iv.samples) == 0 || value > iv.max {
		iv.max = value
	}
	iv.samples = append(iv.samples, value)
	if byteLen > 0 {
		iv.bytes += uint64(byteLen)
	}
}

// wrapped reports whether seq starts a new window: it sits below the window
// start, or more than half the sequence space behind the highest sequence
// seen. The second form catches every rollover after the first, when the
// window starts at 0 and nothing can fall below it.
func wrapped(seq, first, last uint16) bool {
	if seq < first {
		return true
	}
	return seq < last && last-seq > seqModulus/2
}

// SnapshotAndResetInterval closes the current window and starts a new one.
func (t *Tracker) SnapshotAndResetInterval() IntervalReport {
	t.intervalMu.Lock()
	defer t.intervalMu.Unlock()

	iv := &t.interval
	report := IntervalReport{
		Received: uint64(len(iv.samples)),
		Bytes:    iv.bytes,
		Wraps:    iv.wraps,
	}
	if report.Received > 0 {
		report.Expected = uint64(iv.max-iv.min) + 1
		report.Lost = int64(report.Expected) - int64(report.Received)
	}

	iv.samples = iv.samples[:0]
	iv.min = 0
	iv.max = 0
	iv.bytes = 0
	iv.wraps = 0
	return report
}

// SnapshotSession reads session counters without resetting them.
func (t *Tracker) SnapshotSession() SessionReport {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()

	s := t.session
	report := SessionReport{
		Received: s.received,
		FirstSeq: s.firstSeq,
		LastSeq:  s.lastSeq,
		Wraps:    s.wraps,
	}
	if s.started {
		report.Expected = s.carried + uint64(s.lastSeq) - uint64(s.firstSeq) + 1
		report.Lost = int64(report.Expected) - int64(report.Received)
	}
	return report
}

// SessionReceived is the cheap check the reporter runs before each tick.
func (t *Tracker) SessionReceived() uint64 {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	return t.session.received
}

// ResetSession clears both session and interval state for a new capture.
func (t *Tracker) ResetSession() {
	t.sessionMu.Lock()
	t.session = sessionState{}
	t.sessionMu.Unlock()
	_ = t.SnapshotAndResetInterval()
}

// LossPercent returns (1 - received/expected) * 100. ok is false when
// expected is zero and no percentage exists.
func LossPercent(received, expected uint64) (float64, bool) {
	if expected == 0 {
		return 0, false
	}
	return (1 - float64(received)/float64(expected)) * 100, true
}
