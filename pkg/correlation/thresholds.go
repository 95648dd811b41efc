package correlation

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/khipu-io/khipu/pkg/config"
)

// Thresholds is a snapshot of the current acceptance bar.
type Thresholds struct {
	Confidence float64 `json:"confidence"`
	Frequency  float64 `json:"frequency"`
}

// ThresholdController tunes the acceptance bar from the observed
// acceptance ratio. It keeps an exponential moving average of the
// per-batch ratio; when the average drifts above the target band the
// bar is raised one step, below it the bar is lowered. Both thresholds
// are always clamped to their configured bounds.
type ThresholdController struct {
	logger *zap.Logger
	cfg    config.ThresholdConfig

	mu          sync.Mutex
	confidence  float64
	frequency   float64
	ema         float64
	initialized bool
}

// NewThresholdController seeds the controller with the configured
// initial thresholds.
func NewThresholdController(logger *zap.Logger, cfg config.ThresholdConfig) *ThresholdController {
	return &ThresholdController{
		logger:     logger,
		cfg:        cfg,
		confidence: cfg.Confidence.Initial,
		frequency:  cfg.Frequency.Initial,
	}
}

// Current returns the present threshold snapshot.
func (c *ThresholdController) Current() Thresholds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Thresholds{Confidence: c.confidence, Frequency: c.frequency}
}

// MinOccurrences converts the frequency threshold into the integer
// floor handed to detectors, never below 1.
func (c *ThresholdController) MinOccurrences() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := int(math.Ceil(c.frequency))
	if n < 1 {
		n = 1
	}
	return n
}

// Update folds one batch's detection/acceptance counts into the moving
// average and nudges the thresholds toward the target band. Batches
// with no detections leave the controller untouched.
func (c *ThresholdController) Update(detected, accepted int) Thresholds {
	if detected <= 0 {
		return c.Current()
	}
	ratio := float64(accepted) / float64(detected)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		c.ema = ratio
		c.initialized = true
	} else {
		c.ema = c.cfg.EMADecay*ratio + (1-c.cfg.EMADecay)*c.ema
	}

	switch {
	case c.ema > c.cfg.TargetHigh:
		// Too permissive: raise the bar to cut noise.
		c.confidence += c.cfg.Confidence.Step
		c.frequency += c.cfg.Frequency.Step
	case c.ema < c.cfg.TargetLow:
		// Too strict: lower the bar to avoid starving on real patterns.
		c.confidence -= c.cfg.Confidence.Step
		c.frequency -= c.cfg.Frequency.Step
	}

	c.confidence = clamp(c.confidence, c.cfg.Confidence.Min, c.cfg.Confidence.Max)
	c.frequency = clamp(c.frequency, c.cfg.Frequency.Min, c.cfg.Frequency.Max)

	c.logger.Debug("adaptive thresholds updated",
		zap.Float64("acceptance_ema", c.ema),
		zap.Float64("confidence_threshold", c.confidence),
		zap.Float64("frequency_threshold", c.frequency))

	return Thresholds{Confidence: c.confidence, Frequency: c.frequency}
}

// AcceptanceEMA exposes the smoothed acceptance ratio for status queries.
func (c *ThresholdController) AcceptanceEMA() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ema
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
