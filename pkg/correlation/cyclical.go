package correlation

import (
	"math"
	"time"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// CyclicalDetector finds streams whose events repeat at a stable
// period, like an hourly sync or a nightly backup.
type CyclicalDetector struct {
	maxJitter float64
}

// NewCyclicalDetector builds the detector from detector configuration.
func NewCyclicalDetector(cfg config.DetectorConfig) *CyclicalDetector {
	return &CyclicalDetector{maxJitter: cfg.MaxPeriodJitter}
}

func (d *CyclicalDetector) Name() string { return "cyclical" }

// Detect estimates the period of each stream from its inter-arrival
// gaps. Streams whose relative gap deviation exceeds the jitter bound
// are not cyclical. The temporal gap of the emitted correlation is the
// estimated period (median interval).
func (d *CyclicalDetector) Detect(events []domain.Event, minOccurrences int, minConfidence float64) ([]domain.Correlation, error) {
	if len(events) < 3 {
		return nil, nil
	}
	sorted := sortedByTime(events)

	byStream := make(map[string][]domain.Event)
	var order []string
	for _, e := range sorted {
		if _, ok := byStream[e.StreamID]; !ok {
			order = append(order, e.StreamID)
		}
		byStream[e.StreamID] = append(byStream[e.StreamID], e)
	}

	var out []domain.Correlation
	for _, stream := range order {
		occurrences := byStream[stream]
		if len(occurrences) < 3 {
			continue
		}
		intervals := make([]time.Duration, 0, len(occurrences)-1)
		for i := 1; i < len(occurrences); i++ {
			intervals = append(intervals, occurrences[i].Timestamp.Sub(occurrences[i-1].Timestamp))
		}
		count := len(intervals)
		if count < minOccurrences {
			continue
		}

		period := medianDuration(intervals)
		if period <= 0 {
			continue
		}
		jitter := relativeJitter(intervals, period)
		if jitter > d.maxJitter {
			continue
		}

		regularity := 1 / (1 + jitter)
		confidence := (occurrenceScore(count, minOccurrences) + regularity) / 2
		if confidence < minConfidence {
			continue
		}
		out = append(out, domain.Correlation{
			PatternType:         domain.PatternCyclical,
			PrimaryEvent:        occurrences[0],
			CorrelatedEvents:    occurrences[1:],
			OccurrenceFrequency: count,
			ConfidenceScore:     confidence,
			TemporalGap:         period,
		})
	}
	return out, nil
}

// relativeJitter is the standard deviation of the intervals relative
// to the estimated period.
func relativeJitter(intervals []time.Duration, period time.Duration) float64 {
	var variance float64
	for _, iv := range intervals {
		diff := float64(iv - period)
		variance += diff * diff
	}
	variance /= float64(len(intervals))
	return math.Sqrt(variance) / float64(period)
}
