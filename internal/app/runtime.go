package app

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/NodePath81/rtpqos/internal/config"
	"github.com/NodePath81/rtpqos/internal/control"
	"github.com/NodePath81/rtpqos/internal/history"
	"github.com/NodePath81/rtpqos/internal/metrics"
	"github.com/NodePath81/rtpqos/internal/receiver"
	"github.com/NodePath81/rtpqos/internal/reporter"
	"github.com/NodePath81/rtpqos/internal/sources"
	"github.com/NodePath81/rtpqos/internal/tracker"
	"github.com/NodePath81/rtpqos/internal/util"
	"github.com/NodePath81/rtpqos/internal/writebehind"
)

const (
	packetFilePrefix = "Packets_"
	statsFilePrefix  = "Statistics_"
)

// Runtime owns one configured capture and everything hanging off it.
type Runtime struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc
	logger util.Logger

	metrics    *metrics.Metrics
	tracker    *tracker.Tracker
	writer     *writebehind.Logger
	packetSink *writebehind.FileSink
	statsSink  *writebehind.FileSink
	sources    *sources.Tracker
	geoip      *sources.GeoIP
	history    *history.Store
	reporter   *reporter.Reporter
	receiver   *receiver.Receiver
	status     *control.StatusStore
	control    *control.ControlServer
}

// NewRuntime builds the component graph. Output file names carry the UTC
// time of construction.
func NewRuntime(cfg config.Config, console io.Writer, logger util.Logger, now time.Time) (*Runtime, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics.NewMetrics(),
		tracker: tracker.NewTracker(),
	}

	var locator sources.Locator
	if cfg.GeoIP.Database != "" {
		geo, err := sources.OpenGeoIP(cfg.GeoIP.Database)
		if err != nil {
			rt.Stop()
			return nil, err
		}
		rt.geoip = geo
		locator = geo
	}
	rt.sources = sources.NewTracker(locator, logger, rt.metrics)

	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			rt.Stop()
			return nil, err
		}
		rt.history = store
	}

	stamp := util.FileStamp(now)
	rt.packetSink = writebehind.NewFileSink(filepath.Join(cfg.Output.Dir, packetFilePrefix+stamp+".log"))
	rt.statsSink = writebehind.NewFileSink(filepath.Join(cfg.Output.Dir, statsFilePrefix+stamp+".txt"))
	rt.writer = writebehind.NewLogger(cfg.Output.QueueSize, logger, rt.metrics)

	var consoleSink writebehind.LineWriter
	if console != nil {
		consoleSink = writebehind.NewWriterSink(console)
	}

	rt.reporter = reporter.NewReporter(reporter.Config{
		Interval:           cfg.Stats.Interval.Duration(),
		StatsToFile:        cfg.Output.IsStatsToFile(),
		LossWarnPercent:    cfg.Stats.LossWarnPercent,
		MinBitrateBps:      cfg.Stats.MinBitrateBps,
		StallWarnIntervals: cfg.Stats.StallWarnIntervals,
	}, rt.tracker, rt.writer, rt.statsSink, consoleSink, logger)

	opts := receiver.Options{
		Tracker:    rt.tracker,
		Writer:     rt.writer,
		PacketSink: rt.packetSink,
		Sources:    rt.sources,
		Metrics:    rt.metrics,
		Logger:     logger,
	}
	if cfg.Output.IsPacketsToConsole() {
		opts.Console = consoleSink
	}
	rt.receiver = receiver.New(opts)
	rt.receiver.SetReporter(rt.reporter)

	rt.status = control.NewStatusStore(control.NewStatusHub(ctx.Done()), rt.sources)
	rt.reporter.AddHook(rt.observeReport)
	rt.reporter.AddHook(rt.status.Publish)
	if rt.history != nil {
		rt.reporter.AddHook(rt.recordReport)
	}
	if cfg.Control.Enabled {
		rt.control = control.NewControlServer(cfg.Control, cfg.Multicast.String(), rt.receiver, rt.metrics, rt.status, rt.history, logger)
	}
	return rt, nil
}

func (r *Runtime) observeReport(report reporter.Report) {
	var interval tracker.IntervalReport
	if report.Interval != nil {
		interval = *report.Interval
	}
	r.metrics.ObserveTick(report.Session, interval, report.Interval != nil, report.Mbps*1e6)
}

func (r *Runtime) recordReport(report reporter.Report) {
	if err := r.history.Record(report); err != nil {
		r.logger.Warn("history record failed", "error", err)
	}
}

// Start joins the group and begins the session. The control server, when
// enabled, is bound before the join.
func (r *Runtime) Start() error {
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			return err
		}
	}
	if err := r.receiver.Setup(r.cfg.Multicast); err != nil {
		return err
	}
	if err := r.receiver.Start(); err != nil {
		return err
	}
	r.logger.Info("writing output",
		"packets", r.packetSink.Path(),
		"statistics", r.statsSink.Path(),
		"stats_to_file", r.cfg.Output.IsStatsToFile())
	return nil
}

// Stop is safe on a partially started runtime.
func (r *Runtime) Stop() {
	if r.receiver != nil {
		r.receiver.Stop()
	}
	r.cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Warn("history close failed", "error", err)
		}
	}
	if r.geoip != nil {
		_ = r.geoip.Close()
	}
}

func (r *Runtime) Receiver() *receiver.Receiver {
	return r.receiver
}
