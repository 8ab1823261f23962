// Package reporter turns tracker state into one summary line per interval.
package reporter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/rtpqos/internal/tracker"
	"github.com/NodePath81/rtpqos/internal/util"
	"github.com/NodePath81/rtpqos/internal/writebehind"
)

const (
	defaultInterval = time.Second
	lineTimeLayout  = "2006-01-02 15:04:05"
)

// Session is the capture the reporter is armed for.
type Session interface {
	Listening() bool
	SessionID() string
}

// Hook receives every emitted report on the reporter goroutine. Hooks must
// not block for long; a slow hook delays the next tick.
type Hook func(Report)

// Report is one tick's worth of metrics. Seconds is the configured
// interval length used to normalize the rates.
type Report struct {
	Time         time.Time               `json:"time"`
	SessionID    string                  `json:"session_id"`
	Session      tracker.SessionReport   `json:"session"`
	Interval     *tracker.IntervalReport `json:"interval,omitempty"`
	Seconds      float64                 `json:"seconds"`
	MBps         float64                 `json:"mb_per_sec"`
	Mbps         float64                 `json:"mbit_per_sec"`
	SessionLoss  *float64                `json:"session_loss_percent,omitempty"`
	IntervalLoss *float64                `json:"interval_loss_percent,omitempty"`
}

// Config for a Reporter. LossWarnPercent and MinBitrateBps raise warnings
// when crossed, StallWarnIntervals once that many intervals in a row pass
// without a packet. Zero disables each check.
type Config struct {
	Interval           time.Duration
	StatsToFile        bool
	LossWarnPercent    float64
	MinBitrateBps      uint64
	StallWarnIntervals int
}

type Reporter struct {
	cfg     Config
	tracker *tracker.Tracker
	writer  *writebehind.Logger
	sink    writebehind.LineWriter
	console writebehind.LineWriter
	logger  util.Logger

	hooksMu sync.RWMutex
	hooks   []Hook

	mu      sync.Mutex
	session Session
	cancel  context.CancelFunc
	done    chan struct{}

	emptyIntervals atomic.Int64
}

// NewReporter builds a reporter. sink is the statistics file and is only
// written when cfg.StatsToFile is set; console may be nil.
func NewReporter(cfg Config, tr *tracker.Tracker, writer *writebehind.Logger, sink, console writebehind.LineWriter, logger util.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	return &Reporter{
		cfg:     cfg,
		tracker: tr,
		writer:  writer,
		sink:    sink,
		console: console,
		logger:  logger,
	}
}

func (r *Reporter) AddHook(h Hook) {
	r.hooksMu.Lock()
	r.hooks = append(r.hooks, h)
	r.hooksMu.Unlock()
}

// Start arms the periodic tick for session. Calling Start while armed only
// swaps the session.
func (r *Reporter) Start(session Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session = session
	r.emptyIntervals.Store(0)
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

// Stop disarms the tick and waits for an in-flight tick to finish, so no
// report is submitted after Stop returns.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Reporter) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.Tick(now)
		}
	}
}

// Tick emits one report. It returns false when nothing was reported because
// the capture is not listening or has not received a packet yet.
func (r *Reporter) Tick(now time.Time) bool {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	if session == nil || !session.Listening() || r.tracker.SessionReceived() == 0 {
		return false
	}

	interval := r.tracker.SnapshotAndResetInterval()
	report := Report{
		Time:      now,
		SessionID: session.SessionID(),
		Session:   r.tracker.SnapshotSession(),
		Seconds:   r.cfg.Interval.Seconds(),
	}
	if pct, ok := tracker.LossPercent(report.Session.Received, report.Session.Expected); ok {
		report.SessionLoss = &pct
	}
	if interval.Received > 0 {
		report.Interval = &interval
		if pct, ok := tracker.LossPercent(interval.Received, interval.Expected); ok {
			report.IntervalLoss = &pct
		}
		report.MBps = float64(interval.Bytes) / 1024 / 1024 / report.Seconds
		report.Mbps = float64(interval.Bytes) * 8 / 1e6 / report.Seconds
	}

	line := FormatLine(report)
	if r.console != nil {
		if err := r.console.WriteLine(line); err != nil {
			r.logger.Debug("console write failed", "error", err)
		}
	}
	if r.cfg.StatsToFile && r.sink != nil {
		if err := r.writer.Submit(writebehind.Write(r.sink, line)); err != nil {
			r.logger.Debug("stats line dropped", "error", err)
		}
	}
	r.checkThresholds(report)

	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, h := range hooks {
		h(report)
	}
	return true
}

func (r *Reporter) checkThresholds(report Report) {
	stallAfter := int64(r.cfg.StallWarnIntervals)
	if report.Interval == nil {
		n := r.emptyIntervals.Add(1)
		if stallAfter > 0 && n == stallAfter {
			r.logger.Warn("no packets received",
				"session", report.SessionID,
				"intervals", n,
				"for", time.Duration(n)*r.cfg.Interval)
		}
		return
	}
	if n := r.emptyIntervals.Swap(0); stallAfter > 0 && n >= stallAfter {
		r.logger.Info("packets resumed", "session", report.SessionID, "intervals", n)
	}
	if r.cfg.LossWarnPercent > 0 && report.IntervalLoss != nil && *report.IntervalLoss > r.cfg.LossWarnPercent {
		r.logger.Warn("interval loss above threshold",
			"loss_percent", fmt.Sprintf("%.3f", *report.IntervalLoss),
			"threshold", r.cfg.LossWarnPercent,
			"lost", report.Interval.Lost)
	}
	if r.cfg.MinBitrateBps > 0 {
		bps := report.Mbps * 1e6
		if bps < float64(r.cfg.MinBitrateBps) {
			r.logger.Warn("interval bitrate below minimum",
				"mbps", fmt.Sprintf("%.3f", report.Mbps),
				"min_bps", r.cfg.MinBitrateBps)
		}
	}
}

// FormatLine renders the console/file summary for a report.
func FormatLine(report Report) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(report.Time.UTC().Format(lineTimeLayout))
	b.WriteString("] ")
	s := report.Session
	fmt.Fprintf(&b, "Rcvd (session): %5d BySQ: %5d Lost: %5d (%7s %%)",
		s.Received, s.Expected, s.Lost, formatPercent(report.SessionLoss))
	if iv := report.Interval; iv != nil {
		fmt.Fprintf(&b, " | Rcvd (interval): %4d BySQ: %5d Lost: %4d (%7s %%) | Speed: %.3f MB/s (%6.3f Mbps)",
			iv.Received, iv.Expected, iv.Lost, formatPercent(report.IntervalLoss), report.MBps, report.Mbps)
	}
	return b.String()
}

func formatPercent(pct *float64) string {
	if pct == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.3f", *pct)
}
