package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface of the correlation core.
type Config struct {
	Windows    WindowConfig    `yaml:"windows" json:"windows"`
	Detectors  DetectorConfig  `yaml:"detectors" json:"detectors"`
	Thresholds ThresholdConfig `yaml:"thresholds" json:"thresholds"`
	Anchors    AnchorConfig    `yaml:"anchors" json:"anchors"`
	Pipeline   PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Server     ServerConfig    `yaml:"server" json:"server"`
	NATS       NATSConfig      `yaml:"nats" json:"nats"`
}

// WindowConfig controls the sliding window manager.
type WindowConfig struct {
	// Size is the span of one window.
	Size time.Duration `yaml:"size" json:"size"`

	// Overlap is the fraction (0-1) of a window shared with its
	// successor. Window cadence is Size * (1 - Overlap).
	Overlap float64 `yaml:"overlap" json:"overlap"`

	// GracePeriod delays window closure past its end so slightly late
	// events still land.
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`

	// History is how many closed windows to retain for status queries.
	History int `yaml:"history" json:"history"`
}

// DetectorConfig tunes the four pattern detectors.
type DetectorConfig struct {
	// MaxGap bounds the ordering gap for sequential patterns.
	MaxGap time.Duration `yaml:"max_gap" json:"max_gap"`

	// SimultaneityTolerance bounds what "at the same time" means for
	// concurrent patterns.
	SimultaneityTolerance time.Duration `yaml:"simultaneity_tolerance" json:"simultaneity_tolerance"`

	// MinContextSimilarity is the Jaccard floor for contextual grouping.
	MinContextSimilarity float64 `yaml:"min_context_similarity" json:"min_context_similarity"`

	// MaxPeriodJitter is the maximum relative deviation for a stream to
	// count as cyclical.
	MaxPeriodJitter float64 `yaml:"max_period_jitter" json:"max_period_jitter"`
}

// ThresholdBounds holds one adaptive threshold with its clamp range and step.
type ThresholdBounds struct {
	Initial float64 `yaml:"initial" json:"initial"`
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Step    float64 `yaml:"step" json:"step"`
}

// ThresholdConfig controls adaptive acceptance tuning.
type ThresholdConfig struct {
	Confidence ThresholdBounds `yaml:"confidence" json:"confidence"`
	Frequency  ThresholdBounds `yaml:"frequency" json:"frequency"`

	// TargetLow/TargetHigh bound the desired acceptance ratio band.
	TargetLow  float64 `yaml:"target_low" json:"target_low"`
	TargetHigh float64 `yaml:"target_high" json:"target_high"`

	// EMADecay is the smoothing factor for the acceptance ratio average.
	EMADecay float64 `yaml:"ema_decay" json:"ema_decay"`
}

// AnchorConfig controls the memory anchor service.
type AnchorConfig struct {
	// CreationThreshold is the confidence a correlation needs to seal
	// the current anchor and fork a new one.
	CreationThreshold float64 `yaml:"creation_threshold" json:"creation_threshold"`

	// FrequencyCacheSize bounds the pattern signature counter store.
	FrequencyCacheSize int `yaml:"frequency_cache_size" json:"frequency_cache_size"`
}

// PipelineConfig controls the async event pipeline.
type PipelineConfig struct {
	MaxConcurrentEvents int           `yaml:"max_concurrent_events" json:"max_concurrent_events"`
	Workers             int           `yaml:"workers" json:"workers"`
	SubmitTimeout       time.Duration `yaml:"submit_timeout" json:"submit_timeout"`
}

// ServerConfig controls the HTTP status/query surface.
type ServerConfig struct {
	Addr    string        `yaml:"addr" json:"addr"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// NATSConfig controls optional JetStream event ingestion. An empty URL
// disables the subscriber; the pipeline still accepts events over HTTP.
type NATSConfig struct {
	URL           string        `yaml:"url" json:"url"`
	Stream        string        `yaml:"stream" json:"stream"`
	Subject       string        `yaml:"subject" json:"subject"`
	Consumer      string        `yaml:"consumer" json:"consumer"`
	MaxReconnects int           `yaml:"max_reconnects" json:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" json:"reconnect_wait"`
}

// Load reads configuration from a YAML or JSON file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		err = yaml.Unmarshal(data, config)
		if err != nil {
			err = json.Unmarshal(data, config)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	config := &Config{}
	config.ApplyDefaults()
	return config
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Windows.Size == 0 {
		c.Windows.Size = 30 * time.Minute
	}
	if c.Windows.Overlap == 0 {
		c.Windows.Overlap = 0.3
	}
	if c.Windows.GracePeriod == 0 {
		c.Windows.GracePeriod = 30 * time.Second
	}
	if c.Windows.History == 0 {
		c.Windows.History = 16
	}

	if c.Detectors.MaxGap == 0 {
		c.Detectors.MaxGap = 10 * time.Minute
	}
	if c.Detectors.SimultaneityTolerance == 0 {
		c.Detectors.SimultaneityTolerance = 30 * time.Second
	}
	if c.Detectors.MinContextSimilarity == 0 {
		c.Detectors.MinContextSimilarity = 0.3
	}
	if c.Detectors.MaxPeriodJitter == 0 {
		c.Detectors.MaxPeriodJitter = 0.25
	}

	if c.Thresholds.Confidence == (ThresholdBounds{}) {
		c.Thresholds.Confidence = ThresholdBounds{Initial: 0.6, Min: 0.3, Max: 0.95, Step: 0.05}
	}
	if c.Thresholds.Frequency == (ThresholdBounds{}) {
		c.Thresholds.Frequency = ThresholdBounds{Initial: 3, Min: 1, Max: 10, Step: 1}
	}
	if c.Thresholds.TargetLow == 0 {
		c.Thresholds.TargetLow = 0.2
	}
	if c.Thresholds.TargetHigh == 0 {
		c.Thresholds.TargetHigh = 0.6
	}
	if c.Thresholds.EMADecay == 0 {
		c.Thresholds.EMADecay = 0.2
	}

	if c.Anchors.CreationThreshold == 0 {
		c.Anchors.CreationThreshold = 0.8
	}
	if c.Anchors.FrequencyCacheSize == 0 {
		c.Anchors.FrequencyCacheSize = 4096
	}

	if c.Pipeline.MaxConcurrentEvents == 0 {
		c.Pipeline.MaxConcurrentEvents = 1000
	}
	if c.Pipeline.Workers == 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.SubmitTimeout == 0 {
		c.Pipeline.SubmitTimeout = 5 * time.Second
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Timeout == 0 {
		c.Server.Timeout = 30 * time.Second
	}

	if c.NATS.Stream == "" {
		c.NATS.Stream = "EVENTS"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "events.>"
	}
	if c.NATS.Consumer == "" {
		c.NATS.Consumer = "khipu-engine"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
}

// Validate rejects inconsistent configuration before anything starts.
func (c *Config) Validate() error {
	if c.Windows.Overlap < 0 || c.Windows.Overlap >= 1 {
		return fmt.Errorf("windows.overlap must be within [0, 1), got %v", c.Windows.Overlap)
	}
	if c.Windows.Size <= 0 {
		return fmt.Errorf("windows.size must be positive, got %v", c.Windows.Size)
	}
	if err := validateBounds("thresholds.confidence", c.Thresholds.Confidence); err != nil {
		return err
	}
	if err := validateBounds("thresholds.frequency", c.Thresholds.Frequency); err != nil {
		return err
	}
	if c.Thresholds.TargetLow >= c.Thresholds.TargetHigh {
		return fmt.Errorf("thresholds.target_low %v must be below target_high %v",
			c.Thresholds.TargetLow, c.Thresholds.TargetHigh)
	}
	if c.Thresholds.EMADecay <= 0 || c.Thresholds.EMADecay > 1 {
		return fmt.Errorf("thresholds.ema_decay must be within (0, 1], got %v", c.Thresholds.EMADecay)
	}
	if c.Anchors.CreationThreshold < 0 || c.Anchors.CreationThreshold > 1 {
		return fmt.Errorf("anchors.creation_threshold must be within [0, 1], got %v", c.Anchors.CreationThreshold)
	}
	if c.Pipeline.MaxConcurrentEvents <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_events must be positive, got %d", c.Pipeline.MaxConcurrentEvents)
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be positive, got %d", c.Pipeline.Workers)
	}
	return nil
}

func validateBounds(name string, b ThresholdBounds) error {
	if b.Min > b.Max {
		return fmt.Errorf("%s: min %v exceeds max %v", name, b.Min, b.Max)
	}
	if b.Initial < b.Min || b.Initial > b.Max {
		return fmt.Errorf("%s: initial %v outside [%v, %v]", name, b.Initial, b.Min, b.Max)
	}
	if b.Step <= 0 {
		return fmt.Errorf("%s: step must be positive, got %v", name, b.Step)
	}
	return nil
}
