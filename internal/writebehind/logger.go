// Package writebehind runs line writes on a dedicated worker so the capture
// path never waits on file I/O.
package writebehind

import (
	"errors"
	"io"
	"sync"

	"github.com/NodePath81/rtpqos/internal/metrics"
	"github.com/NodePath81/rtpqos/internal/util"
)

const defaultQueueSize = 4096

// ErrStopped is returned by Submit once the worker has been told to stop.
var ErrStopped = errors.New("write-behind logger stopped")

// LineWriter appends one line of text to some destination.
type LineWriter interface {
	WriteLine(line string) error
}

// Task is either a line write or the stop marker.
type Task struct {
	stop bool
	sink LineWriter
	line string
}

func Write(sink LineWriter, line string) Task {
	return Task{sink: sink, line: line}
}

// StopTask ends the worker once dequeued. It is never executed.
func StopTask() Task {
	return Task{stop: true}
}

// Logger executes tasks strictly in submission order on one goroutine.
type Logger struct {
	logger  util.Logger
	metrics *metrics.Metrics
	size    int

	mu      sync.RWMutex
	queue   chan Task
	done    chan struct{}
	running bool
}

func NewLogger(queueSize int, logger util.Logger, m *metrics.Metrics) *Logger {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Logger{
		logger:  logger,
		metrics: m,
		size:    queueSize,
	}
}

// Start launches the worker with a fresh queue. It is a no-op while a worker
// is already running, so a stopped logger can be started again.
func (l *Logger) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.queue = make(chan Task, l.size)
	l.done = make(chan struct{})
	l.running = true
	go l.run(l.queue, l.done)
}

// Submit enqueues a task, blocking only while the queue is full. Submitting
// the stop task is the same as calling Stop.
func (l *Logger) Submit(task Task) error {
	if task.stop {
		l.Stop()
		return nil
	}
	if task.sink == nil {
		return errors.New("write-behind task has no sink")
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.running {
		return ErrStopped
	}
	l.queue <- task
	l.metrics.SetQueueDepth(len(l.queue))
	return nil
}

// Stop enqueues the stop task behind everything already submitted and waits
// for the worker to drain and exit.
func (l *Logger) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	queue, done := l.queue, l.done
	l.mu.Unlock()

	queue <- StopTask()
	<-done
}

// Pending reports the number of queued tasks.
func (l *Logger) Pending() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.queue == nil {
		return 0
	}
	return len(l.queue)
}

func (l *Logger) run(queue <-chan Task, done chan<- struct{}) {
	defer close(done)
	touched := make(map[LineWriter]struct{})
	defer func() {
		for sink := range touched {
			closer, ok := sink.(io.Closer)
			if !ok {
				continue
			}
			if err := closer.Close(); err != nil {
				l.logger.Warn("log sink close failed", "error", err)
			}
		}
	}()

	for task := range queue {
		if task.stop {
			l.metrics.SetQueueDepth(len(queue))
			return
		}
		touched[task.sink] = struct{}{}
		if err := task.sink.WriteLine(task.line); err != nil {
			l.metrics.IncWriteErrors()
			l.logger.Warn("log write failed", "error", err)
		}
		l.metrics.SetQueueDepth(len(queue))
	}
}
