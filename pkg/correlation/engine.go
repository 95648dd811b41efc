package correlation

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// AnchorSink consumes accepted correlations, normally the memory
// anchor service.
type AnchorSink interface {
	AcceptCorrelation(ctx context.Context, c domain.Correlation) (*domain.MemoryAnchor, error)
}

// Engine orchestrates windowing, detector fan-out, threshold-gated
// acceptance, and statistics. One engine instance owns its window
// state; replaying an identical ordered stream on a fresh instance
// yields an identical accepted set.
type Engine struct {
	logger *zap.Logger

	windows     *WindowManager
	detectors   []Detector
	thresholds  *ThresholdController
	frequencies *FrequencyStore
	sink        AnchorSink

	// detector floors: adaptive thresholds gate acceptance, detectors
	// only pre-filter at the configured minimum bounds
	floorConfidence  float64
	floorOccurrences int

	detected        int64
	accepted        int64
	rejected        int64
	persistRejected int64
	detectorErrors  int64

	tracer               trace.Tracer
	correlationsDetected metric.Int64Counter
	correlationsAccepted metric.Int64Counter
	correlationsRejected metric.Int64Counter
	detectorFailures     metric.Int64Counter
	windowEvalTime       metric.Float64Histogram
}

// EngineOption configures the correlation engine.
type EngineOption func(*Engine)

// WithDetectors replaces the default detector set.
func WithDetectors(detectors ...Detector) EngineOption {
	return func(e *Engine) {
		e.detectors = detectors
	}
}

// WithAnchorSink routes accepted correlations into a sink.
func WithAnchorSink(sink AnchorSink) EngineOption {
	return func(e *Engine) {
		e.sink = sink
	}
}

// NewEngine creates a correlation engine from configuration.
func NewEngine(logger *zap.Logger, cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	frequencies, err := NewFrequencyStore(cfg.Anchors.FrequencyCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create frequency store: %w", err)
	}

	engine := &Engine{
		logger:      logger,
		windows:     NewWindowManager(logger, cfg.Windows),
		thresholds:  NewThresholdController(logger, cfg.Thresholds),
		frequencies: frequencies,
		detectors: []Detector{
			NewSequentialDetector(cfg.Detectors),
			NewConcurrentDetector(cfg.Detectors),
			NewCyclicalDetector(cfg.Detectors),
			NewContextualDetector(cfg.Detectors),
		},
		floorConfidence:  cfg.Thresholds.Confidence.Min,
		floorOccurrences: minOccFloor(cfg.Thresholds.Frequency.Min),
	}

	for _, opt := range opts {
		opt(engine)
	}

	meter := otel.Meter("khipu.correlation")
	engine.tracer = otel.Tracer("khipu.correlation")

	engine.correlationsDetected, _ = meter.Int64Counter(
		"correlations_detected_total",
		metric.WithDescription("Total correlations produced by detectors"),
	)
	engine.correlationsAccepted, _ = meter.Int64Counter(
		"correlations_accepted_total",
		metric.WithDescription("Total correlations passing adaptive thresholds"),
	)
	engine.correlationsRejected, _ = meter.Int64Counter(
		"correlations_rejected_total",
		metric.WithDescription("Total correlations rejected by thresholds or persistence"),
	)
	engine.detectorFailures, _ = meter.Int64Counter(
		"detector_failures_total",
		metric.WithDescription("Detector errors isolated per window"),
	)
	engine.windowEvalTime, _ = meter.Float64Histogram(
		"window_evaluation_seconds",
		metric.WithDescription("Time spent evaluating one closed window"),
	)

	return engine, nil
}

// ProcessEvent routes one event through the window manager, evaluates
// any windows that became closeable, and returns the correlations
// accepted as a result.
func (e *Engine) ProcessEvent(ctx context.Context, event domain.Event) ([]domain.Correlation, error) {
	ctx, span := e.tracer.Start(ctx, "correlation.process_event")
	defer span.End()

	e.windows.Assign(event)
	closed := e.windows.CloseDue()
	if len(closed) == 0 {
		return nil, nil
	}
	return e.evaluateWindows(ctx, closed), nil
}

// ProcessEventStream processes an ordered batch and then flushes all
// remaining live windows, so the batch's patterns are fully evaluated.
func (e *Engine) ProcessEventStream(ctx context.Context, events []domain.Event) ([]domain.Correlation, error) {
	var out []domain.Correlation
	for _, event := range events {
		accepted, err := e.ProcessEvent(ctx, event)
		if err != nil {
			return out, err
		}
		out = append(out, accepted...)
	}
	out = append(out, e.Flush(ctx)...)
	return out, nil
}

// Flush force-closes every live window and evaluates it. Called at end
// of batch streams and on shutdown.
func (e *Engine) Flush(ctx context.Context) []domain.Correlation {
	return e.evaluateWindows(ctx, e.windows.Flush())
}

func (e *Engine) evaluateWindows(ctx context.Context, windows []*Window) []domain.Correlation {
	var acceptedOut []domain.Correlation
	for _, w := range windows {
		start := time.Now()
		acceptedOut = append(acceptedOut, e.evaluateWindow(ctx, w)...)
		e.windowEvalTime.Record(ctx, time.Since(start).Seconds())
	}
	return acceptedOut
}

// evaluateWindow runs every detector against the window's events and
// gates the produced correlations through the adaptive thresholds. A
// failing detector is excluded from this window; its siblings still run.
func (e *Engine) evaluateWindow(ctx context.Context, w *Window) []domain.Correlation {
	events := w.Events()
	if len(events) == 0 {
		return nil
	}

	thresholds := e.thresholds.Current()
	batchDetected := 0
	batchAccepted := 0
	var acceptedOut []domain.Correlation

	for _, detector := range e.detectors {
		correlations, err := safeDetect(detector, events, e.floorOccurrences, e.floorConfidence)
		if err != nil {
			atomic.AddInt64(&e.detectorErrors, 1)
			e.detectorFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("detector", detector.Name())))
			e.logger.Warn("detector failed, excluding from window results",
				zap.Error(&domain.DetectorError{Detector: detector.Name(), Wrapped: err}),
				zap.Time("window_start", w.StartTime))
			continue
		}

		for _, c := range correlations {
			batchDetected++
			atomic.AddInt64(&e.detected, 1)
			e.correlationsDetected.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", string(c.PatternType))))

			// Lifetime frequency for this stream pairing.
			c.OccurrenceFrequency = e.frequencies.Observe(c.Signature(), c.OccurrenceFrequency)

			if c.ConfidenceScore < thresholds.Confidence || float64(c.OccurrenceFrequency) < thresholds.Frequency {
				atomic.AddInt64(&e.rejected, 1)
				e.correlationsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "threshold")))
				continue
			}

			if e.sink != nil {
				if _, err := e.sink.AcceptCorrelation(ctx, c); err != nil {
					atomic.AddInt64(&e.rejected, 1)
					atomic.AddInt64(&e.persistRejected, 1)
					e.correlationsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "persist")))
					e.logger.Warn("correlation rejected on persist",
						zap.Error(&domain.PersistError{Wrapped: err}),
						zap.String("signature", c.Signature()))
					continue
				}
			}

			batchAccepted++
			atomic.AddInt64(&e.accepted, 1)
			e.correlationsAccepted.Add(ctx, 1, metric.WithAttributes(attribute.String("pattern", string(c.PatternType))))
			w.AddCorrelation(c)
			acceptedOut = append(acceptedOut, c)
		}
	}

	e.thresholds.Update(batchDetected, batchAccepted)
	return acceptedOut
}

// safeDetect isolates detector panics as errors so one broken detector
// never takes down the batch.
func safeDetect(d Detector, events []domain.Event, minOccurrences int, minConfidence float64) (out []domain.Correlation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector panic: %v", r)
		}
	}()
	return d.Detect(events, minOccurrences, minConfidence)
}

// Stats returns a snapshot of the monotonic correlation counters.
func (e *Engine) Stats() domain.CorrelationStats {
	return domain.CorrelationStats{
		TotalCorrelationsDetected: atomic.LoadInt64(&e.detected),
		CorrelationsAccepted:      atomic.LoadInt64(&e.accepted),
		CorrelationsRejected:      atomic.LoadInt64(&e.rejected),
	}
}

// PersistRejected returns how many correlations failed at the sink.
func (e *Engine) PersistRejected() int64 {
	return atomic.LoadInt64(&e.persistRejected)
}

// DetectorErrors returns how many detector runs were isolated.
func (e *Engine) DetectorErrors() int64 {
	return atomic.LoadInt64(&e.detectorErrors)
}

// LateEvents returns how many stragglers the window manager dropped.
func (e *Engine) LateEvents() int64 {
	return e.windows.LateEvents()
}

// Thresholds returns the current adaptive threshold snapshot.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds.Current()
}

// LiveWindows returns the number of open windows.
func (e *Engine) LiveWindows() int {
	return e.windows.LiveCount()
}

func minOccFloor(min float64) int {
	n := int(min)
	if n < 1 {
		n = 1
	}
	return n
}
