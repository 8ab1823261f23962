package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/rtpqos/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultStatsInterval    = 1000 * time.Millisecond
	defaultStatsToFile      = true
	defaultPacketsToConsole = true
	defaultOutputDir        = "."
	defaultQueueSize        = 4096
	defaultReadBuffer       = "4mb"
	defaultLogLevel         = "info"

	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8090
	defaultControlMetricsEnabled = true
)

// Duration accepts a Go duration string or a bare number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var ms float64
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Multicast MulticastConfig `yaml:"multicast"`
	Stats     StatsConfig     `yaml:"stats"`
	Output    OutputConfig    `yaml:"output"`
	Log       LogConfig       `yaml:"log"`
	Control   ControlConfig   `yaml:"control"`
	History   HistoryConfig   `yaml:"history"`
	GeoIP     GeoIPConfig     `yaml:"geoip"`
}

type MulticastConfig struct {
	Group      string `yaml:"group"`
	Port       int    `yaml:"port"`
	Interface  string `yaml:"interface"`
	ReadBuffer string `yaml:"read_buffer"`

	ReadBufferBytes int `yaml:"-"`
}

type StatsConfig struct {
	Interval Duration `yaml:"interval"`
	// Optional alert thresholds; zero disables each check.
	LossWarnPercent    float64 `yaml:"loss_warn_percent"`
	MinBitrate         string  `yaml:"min_bitrate"`
	StallWarnIntervals int     `yaml:"stall_warn_intervals"`

	MinBitrateBps uint64 `yaml:"-"`
}

type OutputConfig struct {
	Dir              string `yaml:"dir"`
	StatsToFile      *bool  `yaml:"stats_to_file"`
	PacketsToConsole *bool  `yaml:"packets_to_console"`
	QueueSize        int    `yaml:"queue_size"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ControlConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

type HistoryConfig struct {
	Path string `yaml:"path"`
}

type GeoIPConfig struct {
	Database string `yaml:"database"`
}

func (o OutputConfig) IsStatsToFile() bool {
	return util.BoolValue(o.StatsToFile, defaultStatsToFile)
}

func (o OutputConfig) IsPacketsToConsole() bool {
	return util.BoolValue(o.PacketsToConsole, defaultPacketsToConsole)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

// GroupIP returns the parsed multicast group, or nil if it does not parse.
func (m MulticastConfig) GroupIP() net.IP {
	return net.ParseIP(strings.TrimSpace(m.Group)).To4()
}

func (m MulticastConfig) String() string {
	return util.NetJoin(m.Group, m.Port)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Multicast.ReadBuffer == "" {
		c.Multicast.ReadBuffer = defaultReadBuffer
	}
	if c.Stats.Interval == 0 {
		c.Stats.Interval = Duration(defaultStatsInterval)
	}
	if c.Output.Dir == "" {
		c.Output.Dir = defaultOutputDir
	}
	if c.Output.QueueSize == 0 {
		c.Output.QueueSize = defaultQueueSize
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Multicast.Group) == "" {
		return errors.New("multicast.group must not be empty")
	}
	group := c.Multicast.GroupIP()
	if group == nil {
		return fmt.Errorf("multicast.group %q must be an IPv4 address", c.Multicast.Group)
	}
	if !group.IsMulticast() {
		return fmt.Errorf("multicast.group %s is not a multicast address", group)
	}
	if c.Multicast.Port < 1 || c.Multicast.Port > 65535 {
		return errors.New("multicast.port must be in 1..65535")
	}
	size, err := ParseSize(c.Multicast.ReadBuffer)
	if err != nil {
		return fmt.Errorf("multicast.read_buffer: %w", err)
	}
	c.Multicast.ReadBufferBytes = size

	if c.Stats.Interval.Duration() <= 0 {
		return errors.New("stats.interval must be > 0")
	}
	if c.Stats.LossWarnPercent < 0 || c.Stats.LossWarnPercent > 100 {
		return errors.New("stats.loss_warn_percent must be in [0,100]")
	}
	if c.Stats.StallWarnIntervals < 0 {
		return errors.New("stats.stall_warn_intervals must be >= 0")
	}
	minBps, err := ParseBandwidth(c.Stats.MinBitrate)
	if err != nil {
		return fmt.Errorf("stats.min_bitrate: %w", err)
	}
	c.Stats.MinBitrateBps = minBps

	if c.Output.QueueSize < 0 {
		return errors.New("output.queue_size must be > 0")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level %q must be debug, info, warn or error", c.Log.Level)
	}

	if c.Control.Enabled {
		if c.Control.BindPort < 1 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
		if strings.TrimSpace(c.Control.AuthToken) == "" {
			return errors.New("control.auth_token must not be empty")
		}
	}
	return nil
}
