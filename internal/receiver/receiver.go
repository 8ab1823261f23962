// Package receiver joins a multicast group and feeds every RTP datagram into
// the tracker and the packet log.
package receiver

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/rtpqos/internal/config"
	"github.com/NodePath81/rtpqos/internal/metrics"
	"github.com/NodePath81/rtpqos/internal/reporter"
	"github.com/NodePath81/rtpqos/internal/rtpheader"
	"github.com/NodePath81/rtpqos/internal/sources"
	"github.com/NodePath81/rtpqos/internal/tracker"
	"github.com/NodePath81/rtpqos/internal/util"
	"github.com/NodePath81/rtpqos/internal/writebehind"
	"github.com/google/uuid"
	"golang.org/x/net/ipv4"
)

const (
	maxDatagramSize = 65535

	readRetryMin = 10 * time.Millisecond
	readRetryMax = time.Second
)

// Reporter is the periodic stats emitter armed for a running capture.
type Reporter interface {
	Start(session reporter.Session)
	Stop()
}

// Options wires a Receiver. Writer and PacketSink are required; Console,
// Sources and Metrics may be nil.
type Options struct {
	Tracker    *tracker.Tracker
	Writer     *writebehind.Logger
	PacketSink writebehind.LineWriter
	Console    writebehind.LineWriter
	Sources    *sources.Tracker
	Metrics    *metrics.Metrics
	Logger     util.Logger
}

type Receiver struct {
	tracker    *tracker.Tracker
	writer     *writebehind.Logger
	packetSink writebehind.LineWriter
	console    writebehind.LineWriter
	sources    *sources.Tracker
	metrics    *metrics.Metrics
	logger     util.Logger

	join  func(p *ipv4.PacketConn, ifi *net.Interface, group net.Addr) error
	leave func(p *ipv4.PacketConn, ifi *net.Interface, group net.Addr) error
	now   func() time.Time

	mu        sync.Mutex
	reporter  Reporter
	lastGood  *config.MulticastConfig
	cfg       config.MulticastConfig
	conn      *net.UDPConn
	pconn     *ipv4.PacketConn
	ifi       *net.Interface
	group     *net.UDPAddr
	loopDone  chan struct{}
	loopQuit  chan struct{}
	listening atomic.Bool
	sessionID atomic.Value
}

func New(opts Options) *Receiver {
	r := &Receiver{
		tracker:    opts.Tracker,
		writer:     opts.Writer,
		packetSink: opts.PacketSink,
		console:    opts.Console,
		sources:    opts.Sources,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		join:       (*ipv4.PacketConn).JoinGroup,
		leave:      (*ipv4.PacketConn).LeaveGroup,
		now:        time.Now,
	}
	r.sessionID.Store("")
	return r
}

// SetReporter attaches the stats emitter started and stopped with the capture.
func (r *Receiver) SetReporter(rep Reporter) {
	r.mu.Lock()
	r.reporter = rep
	r.mu.Unlock()
}

// Setup binds the group port and joins the group. A previous socket is
// released first. On failure nothing stays open and the last good config is
// kept for a later Start.
func (r *Receiver) Setup(cfg config.MulticastConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listening.Load() {
		return ErrListening
	}
	r.releaseLocked()
	return r.setupLocked(cfg)
}

func (r *Receiver) setupLocked(cfg config.MulticastConfig) error {
	groupIP := cfg.GroupIP()
	if groupIP == nil || !groupIP.IsMulticast() {
		return &SetupError{Op: "group", Group: cfg.Group, Err: errors.New("not an IPv4 multicast address")}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return &SetupError{Op: "group", Group: cfg.Group, Err: errors.New("port out of range")}
	}
	ifi, err := lookupInterface(cfg.Interface)
	if err != nil {
		return &SetupError{Op: "interface", Group: cfg.String(), Err: err}
	}

	lc := listenConfig()
	pc, err := lc.ListenPacket(context.Background(), "udp4", util.NetJoin("0.0.0.0", cfg.Port))
	if err != nil {
		return &SetupError{Op: "bind", Group: cfg.String(), Err: err}
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return &SetupError{Op: "bind", Group: cfg.String(), Err: errors.New("unexpected packet conn type")}
	}
	if cfg.ReadBufferBytes > 0 {
		if err := conn.SetReadBuffer(cfg.ReadBufferBytes); err != nil {
			r.logger.Warn("socket read buffer not applied", "bytes", cfg.ReadBufferBytes, "error", err)
		}
	}

	group := &net.UDPAddr{IP: groupIP}
	pconn := ipv4.NewPacketConn(conn)
	if err := r.join(pconn, ifi, group); err != nil {
		_ = conn.Close()
		return &SetupError{Op: "join", Group: cfg.String(), Err: err}
	}

	r.cfg = cfg
	saved := cfg
	r.lastGood = &saved
	r.conn = conn
	r.pconn = pconn
	r.ifi = ifi
	r.group = group
	r.logger.Info("multicast group joined", "group", cfg.Group, "port", cfg.Port, "interface", cfg.Interface)
	return nil
}

// releaseLocked leaves the group and closes the socket. Closing the socket
// unblocks a pending read.
func (r *Receiver) releaseLocked() {
	if r.conn == nil {
		return
	}
	if err := r.leave(r.pconn, r.ifi, r.group); err != nil {
		r.logger.Debug("leave group failed", "group", r.cfg.Group, "error", err)
	}
	if err := r.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		r.logger.Debug("socket close failed", "error", err)
	}
	r.conn = nil
	r.pconn = nil
	r.ifi = nil
	r.group = nil
}

// Start begins a new session. After a Stop the socket is re-created from the
// last good config. Start on a running capture is a no-op.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listening.Load() {
		return nil
	}
	if r.lastGood == nil {
		return ErrNotSetup
	}
	if r.conn == nil {
		if err := r.setupLocked(*r.lastGood); err != nil {
			return err
		}
	}

	r.tracker.ResetSession()
	if r.sources != nil {
		r.sources.Reset()
	}
	id := uuid.NewString()
	r.sessionID.Store(id)
	r.writer.Start()
	r.listening.Store(true)
	r.loopDone = make(chan struct{})
	r.loopQuit = make(chan struct{})
	go r.loop(r.conn, r.loopQuit, r.loopDone)
	if r.reporter != nil {
		r.reporter.Start(r)
	}
	r.logger.Info("listening for packets", "group", r.cfg.Group, "port", r.cfg.Port, "session", id)
	return nil
}

// Stop ends the session: the reporter is disarmed first, then the socket is
// closed and the receive loop drained, and finally the write-behind worker
// flushes everything already queued. Stop is idempotent.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	wasListening := r.listening.Swap(false)
	if r.reporter != nil {
		r.reporter.Stop()
	}
	if r.loopQuit != nil {
		close(r.loopQuit)
		r.loopQuit = nil
	}
	r.releaseLocked()
	if r.loopDone != nil {
		<-r.loopDone
		r.loopDone = nil
	}
	r.writer.Stop()
	if wasListening {
		r.logger.Info("stopped listening", "group", r.cfg.Group, "port", r.cfg.Port, "session", r.SessionID())
	}
}

func (r *Receiver) Listening() bool {
	return r.listening.Load()
}

func (r *Receiver) SessionID() string {
	id, _ := r.sessionID.Load().(string)
	return id
}

func (r *Receiver) loop(conn *net.UDPConn, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagramSize)
	failures := 0
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !r.listening.Load() {
				return
			}
			failures++
			r.metrics.IncReadErrors()
			wait := readRetryDelay(failures)
			r.logger.Warn("udp read failed", "error", err, "failures", failures, "retry_in", wait)
			select {
			case <-quit:
				return
			case <-time.After(wait):
			}
			continue
		}
		failures = 0
		if !r.listening.Load() {
			return
		}
		r.handle(buf[:n], src, r.now())
	}
}

// readRetryDelay doubles from readRetryMin per consecutive failure, capped at
// readRetryMax.
func readRetryDelay(failures int) time.Duration {
	wait := readRetryMin
	for i := 1; i < failures && wait < readRetryMax; i++ {
		wait *= 2
	}
	return min(wait, readRetryMax)
}

func (r *Receiver) handle(datagram []byte, src *net.UDPAddr, now time.Time) {
	r.metrics.AddPacket(len(datagram))
	if r.sources != nil {
		r.sources.Observe(src, len(datagram), now)
	}
	h, err := rtpheader.Decode(datagram)
	if err != nil {
		r.metrics.IncDecodeErrors()
		r.logger.Warn("datagram skipped", "source", src.String(), "bytes", len(datagram), "error", err)
		return
	}
	r.tracker.Observe(h.SequenceNumber, h.Timestamp, len(datagram))

	line := rtpheader.FormatDump(now, h)
	if err := r.writer.Submit(writebehind.Write(r.packetSink, line)); err != nil {
		r.logger.Debug("packet line dropped", "error", err)
	}
	if r.console != nil {
		if err := r.console.WriteLine(line); err != nil {
			r.logger.Debug("console write failed", "error", err)
		}
	}
}
