package app

import (
	"io"
	"sync"
	"time"

	"github.com/NodePath81/rtpqos/internal/config"
	"github.com/NodePath81/rtpqos/internal/util"
)

type Supervisor struct {
	configPath string
	console    io.Writer
	logger     util.Logger
	mu         sync.Mutex
	runtime    *Runtime
}

func NewSupervisor(configPath string, console io.Writer, logger util.Logger) *Supervisor {
	return &Supervisor{
		configPath: configPath,
		console:    console,
		logger:     logger,
	}
}

func (s *Supervisor) Start() error {
	cfg, err := config.LoadConfig(s.configPath)
	if err != nil {
		return err
	}
	logger := s.logger
	if cfg.Log.Level != "" {
		logger = util.NewLoggerWithLevel(cfg.Log.Level)
	}
	runtime, err := NewRuntime(cfg, s.console, logger, time.Now())
	if err != nil {
		return err
	}
	if err := runtime.Start(); err != nil {
		runtime.Stop()
		return err
	}
	s.mu.Lock()
	s.runtime = runtime
	s.mu.Unlock()
	return nil
}

// Restart re-reads the config file and starts a fresh runtime with new
// output files.
func (s *Supervisor) Restart() error {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()

	if current != nil {
		current.Stop()
	}
	return s.Start()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	current := s.runtime
	s.runtime = nil
	s.mu.Unlock()
	if current != nil {
		current.Stop()
	}
}
