package correlation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// emailDocumentEvents builds the reference workload: five email events
// an hour apart, each followed five minutes later by a document event.
func emailDocumentEvents(t0 time.Time) []domain.Event {
	var events []domain.Event
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		events = append(events, domain.Event{
			EventID:   fmt.Sprintf("email-%d", i),
			Timestamp: at,
			Type:      domain.EventTypeCommunication,
			StreamID:  "email",
		})
		events = append(events, domain.Event{
			EventID:   fmt.Sprintf("doc-%d", i),
			Timestamp: at.Add(5 * time.Minute),
			Type:      domain.EventTypeStorage,
			StreamID:  "document",
		})
	}
	return events
}

func TestSequentialEmailDocumentScenario(t *testing.T) {
	detector := NewSequentialDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	patterns, err := detector.Detect(emailDocumentEvents(t0), 2, 0.1)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	pattern := patterns[0]
	assert.Equal(t, domain.PatternSequential, pattern.PatternType)
	assert.Equal(t, "email", pattern.PrimaryEvent.StreamID)
	assert.Equal(t, 5, pattern.OccurrenceFrequency)
	assert.Equal(t, 5*time.Minute, pattern.TemporalGap)
	assert.GreaterOrEqual(t, pattern.ConfidenceScore, 0.1)
	assert.LessOrEqual(t, pattern.ConfidenceScore, 1.0)
	require.Len(t, pattern.CorrelatedEvents, 5)
	for _, e := range pattern.CorrelatedEvents {
		assert.Equal(t, "document", e.StreamID)
	}
}

func TestSequentialRespectsMinOccurrences(t *testing.T) {
	detector := NewSequentialDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	events := []domain.Event{
		testEvent("a", "email", t0),
		testEvent("b", "document", t0.Add(time.Minute)),
	}
	patterns, err := detector.Detect(events, 2, 0.1)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestSequentialConfidenceRisesWithConsistency(t *testing.T) {
	detector := NewSequentialDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	steady := emailDocumentEvents(t0)

	var jittery []domain.Event
	gaps := []time.Duration{time.Minute, 9 * time.Minute, 3 * time.Minute, 7 * time.Minute, 5 * time.Minute}
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		jittery = append(jittery, testEvent(fmt.Sprintf("e%d", i), "email", at))
		jittery = append(jittery, testEvent(fmt.Sprintf("d%d", i), "document", at.Add(gaps[i])))
	}

	steadyPatterns, err := detector.Detect(steady, 2, 0.0)
	require.NoError(t, err)
	jitteryPatterns, err := detector.Detect(jittery, 2, 0.0)
	require.NoError(t, err)
	require.Len(t, steadyPatterns, 1)
	require.Len(t, jitteryPatterns, 1)

	assert.Greater(t, steadyPatterns[0].ConfidenceScore, jitteryPatterns[0].ConfidenceScore)
}

func TestConcurrentDetectsCooccurrence(t *testing.T) {
	detector := NewConcurrentDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	var events []domain.Event
	for i := 0; i < 3; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		events = append(events, testEvent(fmt.Sprintf("cal-%d", i), "calendar", at))
		events = append(events, testEvent(fmt.Sprintf("chat-%d", i), "chat", at.Add(5*time.Second)))
	}

	patterns, err := detector.Detect(events, 2, 0.1)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, domain.PatternConcurrent, patterns[0].PatternType)
	assert.Equal(t, 3, patterns[0].OccurrenceFrequency)
}

func TestConcurrentIgnoresSingleStreamClusters(t *testing.T) {
	detector := NewConcurrentDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	events := []domain.Event{
		testEvent("a", "chat", t0),
		testEvent("b", "chat", t0.Add(time.Second)),
		testEvent("c", "chat", t0.Add(2*time.Second)),
	}
	patterns, err := detector.Detect(events, 1, 0.0)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestCyclicalDetectsStablePeriod(t *testing.T) {
	detector := NewCyclicalDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	var events []domain.Event
	for i := 0; i < 6; i++ {
		events = append(events, testEvent(fmt.Sprintf("b-%d", i), "backup", t0.Add(time.Duration(i)*time.Hour)))
	}

	patterns, err := detector.Detect(events, 2, 0.1)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, domain.PatternCyclical, patterns[0].PatternType)
	assert.Equal(t, time.Hour, patterns[0].TemporalGap)
	assert.Equal(t, 5, patterns[0].OccurrenceFrequency)
}

func TestCyclicalRejectsIrregularStream(t *testing.T) {
	detector := NewCyclicalDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	offsets := []time.Duration{0, 10 * time.Minute, 3 * time.Hour, 3*time.Hour + 5*time.Minute, 7 * time.Hour}
	var events []domain.Event
	for i, off := range offsets {
		events = append(events, testEvent(fmt.Sprintf("x-%d", i), "erratic", t0.Add(off)))
	}

	patterns, err := detector.Detect(events, 2, 0.0)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestContextualGroupsBySharedContext(t *testing.T) {
	detector := NewContextualDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	office := map[string]string{"location": "office", "device": "laptop"}
	home := map[string]string{"location": "home", "device": "phone"}

	var events []domain.Event
	for i := 0; i < 3; i++ {
		e := testEvent(fmt.Sprintf("o-%d", i), fmt.Sprintf("stream-%d", i), t0.Add(time.Duration(i)*time.Hour))
		e.Context = office
		events = append(events, e)
	}
	lone := testEvent("h-0", "stream-h", t0.Add(30*time.Minute))
	lone.Context = home
	events = append(events, lone)

	patterns, err := detector.Detect(events, 2, 0.1)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, domain.PatternContextual, patterns[0].PatternType)
	assert.Equal(t, 3, patterns[0].OccurrenceFrequency)
}

func TestContextualToleratesMissingContext(t *testing.T) {
	detector := NewContextualDetector(config.Default().Detectors)
	t0 := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	events := []domain.Event{
		testEvent("a", "s1", t0),
		testEvent("b", "s2", t0.Add(time.Minute)),
	}
	patterns, err := detector.Detect(events, 1, 0.0)
	require.NoError(t, err)
	assert.Empty(t, patterns)
}

func TestContextSimilarity(t *testing.T) {
	a := map[string]string{"location": "office", "device": "laptop"}
	b := map[string]string{"location": "office", "device": "phone"}

	assert.Equal(t, 1.0, contextSimilarity(a, a))
	assert.InDelta(t, 1.0/3.0, contextSimilarity(a, b), 1e-9)
	assert.Equal(t, 0.0, contextSimilarity(a, nil))
	assert.Equal(t, 0.0, contextSimilarity(nil, nil))
}

func TestScoringHelpers(t *testing.T) {
	assert.Equal(t, 1.0, occurrenceScore(10, 2))
	assert.Equal(t, 0.5, occurrenceScore(2, 2))
	assert.Equal(t, 0.5, occurrenceScore(1, 0))

	steady := []time.Duration{time.Minute, time.Minute, time.Minute}
	assert.Equal(t, 1.0, consistencyScore(steady))

	jittery := []time.Duration{time.Minute, 10 * time.Minute, 30 * time.Second}
	assert.Less(t, consistencyScore(jittery), 1.0)
	assert.Greater(t, consistencyScore(jittery), 0.0)

	assert.Equal(t, 2*time.Minute, medianDuration([]time.Duration{time.Minute, 2 * time.Minute, 10 * time.Minute}))
	assert.Equal(t, time.Duration(0), medianDuration(nil))
}
