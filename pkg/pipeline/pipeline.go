// Package pipeline wraps the correlation engine and anchor service in
// a bounded async flow: producers submit events into a fixed-capacity
// queue, a worker pool drains it, and backpressure is surfaced to the
// producer instead of dropping events.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/khipu-io/khipu/pkg/anchors"
	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// Stage is where an event currently sits in the pipeline.
type Stage string

const (
	StageQueued     Stage = "QUEUED"
	StageWindowed   Stage = "WINDOWED"
	StageCorrelated Stage = "CORRELATED"
	StagePersisted  Stage = "PERSISTED"
	StageCompleted  Stage = "COMPLETED"
	StageFailed     Stage = "FAILED"
)

// stageCacheSize bounds how many recent event stages are queryable.
const stageCacheSize = 8192

// Processor consumes one event and returns the correlations accepted
// as a result. The correlation engine implements it.
type Processor interface {
	ProcessEvent(ctx context.Context, event domain.Event) ([]domain.Correlation, error)
}

// flusher is implemented by processors with buffered window state.
type flusher interface {
	Flush(ctx context.Context) []domain.Correlation
}

// Status is a snapshot of pipeline health for status queries.
type Status struct {
	EventsProcessed   int64             `json:"events_processed"`
	EventsInPipeline  int64             `json:"events_in_pipeline"`
	EventsFailed      int64             `json:"events_failed"`
	AvgProcessingTime time.Duration     `json:"avg_processing_time"`
	Components        map[string]string `json:"components"`
}

// Pipeline is the async shell around the correlation core.
type Pipeline struct {
	logger        *zap.Logger
	processor     Processor
	anchorService *anchors.Service

	queue         chan domain.Event
	capacity      int
	workers       int
	submitTimeout time.Duration

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	stages *lru.Cache[string, Stage]

	eventsProcessed int64
	eventsFailed    int64
	inFlight        int64
	processingNanos int64

	eventsSubmitted metric.Int64Counter
	eventsDone      metric.Int64Counter
	eventsErrored   metric.Int64Counter
	processingTime  metric.Float64Histogram
}

// New creates a pipeline around a processor. The anchor service may be
// nil when the processor routes correlations itself in tests.
func New(logger *zap.Logger, cfg config.PipelineConfig, processor Processor, anchorService *anchors.Service) (*Pipeline, error) {
	if processor == nil {
		return nil, fmt.Errorf("pipeline requires a processor")
	}
	stages, err := lru.New[string, Stage](stageCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage tracker: %w", err)
	}

	pipeline := &Pipeline{
		logger:        logger,
		processor:     processor,
		anchorService: anchorService,
		queue:         make(chan domain.Event, cfg.MaxConcurrentEvents),
		capacity:      cfg.MaxConcurrentEvents,
		workers:       cfg.Workers,
		submitTimeout: cfg.SubmitTimeout,
		stages:        stages,
	}

	meter := otel.Meter("khipu.pipeline")
	pipeline.eventsSubmitted, _ = meter.Int64Counter(
		"events_submitted_total",
		metric.WithDescription("Events accepted into the pipeline queue"),
	)
	pipeline.eventsDone, _ = meter.Int64Counter(
		"events_processed_total",
		metric.WithDescription("Events fully processed"),
	)
	pipeline.eventsErrored, _ = meter.Int64Counter(
		"events_failed_total",
		metric.WithDescription("Events failed at any stage, including submit timeouts"),
	)
	pipeline.processingTime, _ = meter.Float64Histogram(
		"event_processing_seconds",
		metric.WithDescription("Per-event processing time through the worker"),
	)

	return pipeline, nil
}

// Start launches the worker pool.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("pipeline already started")
	}
	if p.closed {
		return fmt.Errorf("pipeline is stopped")
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.logger.Info("pipeline started",
		zap.Int("workers", p.workers),
		zap.Int("queue_capacity", p.capacity))
	return nil
}

// Submit offers an event to the pipeline. Invalid events are rejected
// synchronously. When the queue is full the call blocks up to the
// submit timeout, then fails with QueueTimeoutError; the event is
// counted failed, never silently discarded.
func (p *Pipeline) Submit(ctx context.Context, event domain.Event) error {
	if err := domain.ValidateEvent(&event); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("pipeline is stopped")
	}

	timer := time.NewTimer(p.submitTimeout)
	defer timer.Stop()

	select {
	case p.queue <- event:
		p.stages.Add(event.EventID, StageQueued)
		p.eventsSubmitted.Add(ctx, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&p.eventsFailed, 1)
		p.eventsErrored.Add(ctx, 1)
		p.logger.Warn("submit timed out, queue full",
			zap.String("event_id", event.EventID),
			zap.Duration("timeout", p.submitTimeout))
		return &domain.QueueTimeoutError{Timeout: p.submitTimeout}
	case <-ctx.Done():
		atomic.AddInt64(&p.eventsFailed, 1)
		p.eventsErrored.Add(ctx, 1)
		return ctx.Err()
	}
}

// Stop closes the intake and drains in-flight work to completion: no
// event is aborted mid-processing. Remaining window state is flushed,
// then the anchor service is stopped.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()

	if f, ok := p.processor.(flusher); ok {
		flushed := f.Flush(ctx)
		if len(flushed) > 0 {
			p.logger.Info("flushed remaining windows on stop",
				zap.Int("accepted_correlations", len(flushed)))
		}
	}
	if p.anchorService != nil {
		if err := p.anchorService.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop anchor service: %w", err)
		}
	}

	p.logger.Info("pipeline stopped",
		zap.Int64("events_processed", atomic.LoadInt64(&p.eventsProcessed)),
		zap.Int64("events_failed", atomic.LoadInt64(&p.eventsFailed)))
	return nil
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()

	for event := range p.queue {
		atomic.AddInt64(&p.inFlight, 1)
		p.processEvent(ctx, event)
		atomic.AddInt64(&p.inFlight, -1)
	}
}

func (p *Pipeline) processEvent(ctx context.Context, event domain.Event) {
	start := time.Now()
	p.stages.Add(event.EventID, StageWindowed)

	accepted, err := p.processor.ProcessEvent(ctx, event)
	if err != nil {
		p.stages.Add(event.EventID, StageFailed)
		atomic.AddInt64(&p.eventsFailed, 1)
		p.eventsErrored.Add(ctx, 1)
		p.logger.Warn("event processing failed",
			zap.String("event_id", event.EventID),
			zap.Error(err))
		return
	}

	p.stages.Add(event.EventID, StageCorrelated)
	if len(accepted) > 0 {
		p.stages.Add(event.EventID, StagePersisted)
	}
	p.stages.Add(event.EventID, StageCompleted)

	elapsed := time.Since(start)
	atomic.AddInt64(&p.eventsProcessed, 1)
	atomic.AddInt64(&p.processingNanos, elapsed.Nanoseconds())
	p.eventsDone.Add(ctx, 1)
	p.processingTime.Record(ctx, elapsed.Seconds())
}

// StageOf reports the last recorded stage for a recently seen event.
func (p *Pipeline) StageOf(eventID string) (Stage, bool) {
	return p.stages.Get(eventID)
}

// Status snapshots the pipeline counters and component states.
func (p *Pipeline) Status() Status {
	processed := atomic.LoadInt64(&p.eventsProcessed)

	var avg time.Duration
	if processed > 0 {
		avg = time.Duration(atomic.LoadInt64(&p.processingNanos) / processed)
	}

	components := map[string]string{
		"queue":   fmt.Sprintf("%d/%d", len(p.queue), p.capacity),
		"workers": fmt.Sprintf("%d configured", p.workers),
		"engine":  "ok",
	}
	if p.anchorService != nil {
		components["anchors"] = p.anchorService.State().String()
	}

	return Status{
		EventsProcessed:   processed,
		EventsInPipeline:  int64(len(p.queue)) + atomic.LoadInt64(&p.inFlight),
		EventsFailed:      atomic.LoadInt64(&p.eventsFailed),
		AvgProcessingTime: avg,
		Components:        components,
	}
}
