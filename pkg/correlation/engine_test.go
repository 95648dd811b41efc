package correlation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

type failingDetector struct{}

func (d *failingDetector) Name() string { return "failing" }

func (d *failingDetector) Detect([]domain.Event, int, float64) ([]domain.Correlation, error) {
	return nil, errors.New("detector blew up")
}

type panickingDetector struct{}

func (d *panickingDetector) Name() string { return "panicking" }

func (d *panickingDetector) Detect([]domain.Event, int, float64) ([]domain.Correlation, error) {
	panic("unexpected nil")
}

type recordingSink struct {
	accepted []domain.Correlation
	err      error
}

func (s *recordingSink) AcceptCorrelation(_ context.Context, c domain.Correlation) (*domain.MemoryAnchor, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.accepted = append(s.accepted, c)
	return &domain.MemoryAnchor{AnchorID: "test"}, nil
}

func scenarioConfig() *config.Config {
	cfg := config.Default()
	cfg.Windows.Size = 6 * time.Hour
	cfg.Windows.Overlap = 0.3
	return cfg
}

func TestEngineAcceptsSequentialScenario(t *testing.T) {
	logger := zaptest.NewLogger(t)
	engine, err := NewEngine(logger, scenarioConfig())
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	accepted, err := engine.ProcessEventStream(context.Background(), emailDocumentEvents(t0))
	require.NoError(t, err)
	require.NotEmpty(t, accepted)

	var sequential []domain.Correlation
	for _, c := range accepted {
		if c.PatternType == domain.PatternSequential {
			sequential = append(sequential, c)
		}
	}
	require.Len(t, sequential, 1)
	assert.Equal(t, "email", sequential[0].PrimaryEvent.StreamID)
	assert.GreaterOrEqual(t, sequential[0].OccurrenceFrequency, 5)
	assert.Equal(t, 5*time.Minute, sequential[0].TemporalGap)

	stats := engine.Stats()
	assert.Equal(t, stats.TotalCorrelationsDetected, stats.CorrelationsAccepted+stats.CorrelationsRejected)
	assert.Equal(t, int64(len(accepted)), stats.CorrelationsAccepted)
}

func TestEngineReplayIsDeterministic(t *testing.T) {
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	events := emailDocumentEvents(t0)

	run := func() ([]domain.Correlation, domain.CorrelationStats) {
		engine, err := NewEngine(zaptest.NewLogger(t), scenarioConfig())
		require.NoError(t, err)
		accepted, err := engine.ProcessEventStream(context.Background(), events)
		require.NoError(t, err)
		return accepted, engine.Stats()
	}

	first, firstStats := run()
	second, secondStats := run()

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Signature(), second[i].Signature())
		assert.Equal(t, first[i].OccurrenceFrequency, second[i].OccurrenceFrequency)
		assert.Equal(t, first[i].ConfidenceScore, second[i].ConfidenceScore)
	}
	assert.Equal(t, firstStats, secondStats)
}

func TestEngineIsolatesDetectorFailures(t *testing.T) {
	cfg := scenarioConfig()
	engine, err := NewEngine(zaptest.NewLogger(t), cfg,
		WithDetectors(&failingDetector{}, &panickingDetector{}, NewSequentialDetector(cfg.Detectors)))
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	accepted, err := engine.ProcessEventStream(context.Background(), emailDocumentEvents(t0))
	require.NoError(t, err)

	// Sibling detector results survive both the error and the panic.
	require.Len(t, accepted, 1)
	assert.Equal(t, domain.PatternSequential, accepted[0].PatternType)
	assert.Equal(t, int64(2), engine.DetectorErrors())
}

func TestEngineForwardsAcceptedToSink(t *testing.T) {
	cfg := scenarioConfig()
	sink := &recordingSink{}
	engine, err := NewEngine(zaptest.NewLogger(t), cfg, WithAnchorSink(sink))
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	accepted, err := engine.ProcessEventStream(context.Background(), emailDocumentEvents(t0))
	require.NoError(t, err)

	assert.Equal(t, len(accepted), len(sink.accepted))
}

func TestEngineCountsPersistFailures(t *testing.T) {
	cfg := scenarioConfig()
	sink := &recordingSink{err: errors.New("storage offline")}
	engine, err := NewEngine(zaptest.NewLogger(t), cfg, WithAnchorSink(sink))
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	accepted, err := engine.ProcessEventStream(context.Background(), emailDocumentEvents(t0))
	require.NoError(t, err)

	// Nothing is accepted, but the batch does not abort.
	assert.Empty(t, accepted)
	assert.Greater(t, engine.PersistRejected(), int64(0))
	stats := engine.Stats()
	assert.Equal(t, stats.TotalCorrelationsDetected, stats.CorrelationsRejected)
}

func TestEngineIncrementalWindowClosure(t *testing.T) {
	cfg := config.Default()
	cfg.Windows.Size = 10 * time.Minute
	cfg.Windows.Overlap = 0.5
	cfg.Windows.GracePeriod = time.Minute

	engine, err := NewEngine(zaptest.NewLogger(t), cfg)
	require.NoError(t, err)

	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()

	_, err = engine.ProcessEvent(ctx, testEvent("e0", "s", t0))
	require.NoError(t, err)
	require.Greater(t, engine.LiveWindows(), 0)

	// Advancing the watermark far enough closes the early windows.
	_, err = engine.ProcessEvent(ctx, testEvent("e1", "s", t0.Add(30*time.Minute)))
	require.NoError(t, err)

	// A straggler after closure is counted, never silently dropped.
	_, err = engine.ProcessEvent(ctx, testEvent("late", "s", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), engine.LateEvents())
}

func TestFrequencyStoreMonotonicPerKey(t *testing.T) {
	store, err := NewFrequencyStore(8)
	require.NoError(t, err)

	assert.Equal(t, 5, store.Observe("sequential|email->document", 5))
	assert.Equal(t, 8, store.Observe("sequential|email->document", 3))
	assert.Equal(t, 8, store.Count("sequential|email->document"))
	assert.Equal(t, 1, store.Len())

	// Bounded: old signatures fall out instead of growing forever.
	for i := 0; i < 20; i++ {
		store.Observe(string(rune('a'+i)), 1)
	}
	assert.LessOrEqual(t, store.Len(), 8)
}
