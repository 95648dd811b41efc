package correlation

import (
	"time"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// SequentialDetector finds ordered stream pairs: events on stream A
// repeatedly followed by events on stream B within a bounded gap.
type SequentialDetector struct {
	maxGap time.Duration
}

// NewSequentialDetector builds the detector from detector configuration.
func NewSequentialDetector(cfg config.DetectorConfig) *SequentialDetector {
	return &SequentialDetector{maxGap: cfg.MaxGap}
}

func (d *SequentialDetector) Name() string { return "sequential" }

// Detect groups ordered (predecessor, successor) stream pairs. Each
// predecessor event contributes its first successor per stream pair,
// so one email followed by one document counts once, not once per
// later document. The resulting temporal gap is the median observed
// gap; confidence averages the occurrence score with gap consistency.
func (d *SequentialDetector) Detect(events []domain.Event, minOccurrences int, minConfidence float64) ([]domain.Correlation, error) {
	if len(events) < 2 {
		return nil, nil
	}
	sorted := sortedByTime(events)

	type pairGroup struct {
		primary    domain.Event
		correlated []domain.Event
		gaps       []time.Duration
	}
	groups := make(map[string]*pairGroup)
	var order []string

	for i := range sorted {
		a := sorted[i]
		matched := make(map[string]bool)
		for j := i + 1; j < len(sorted); j++ {
			b := sorted[j]
			gap := b.Timestamp.Sub(a.Timestamp)
			if gap > d.maxGap {
				break
			}
			if gap <= 0 || b.StreamID == a.StreamID {
				continue
			}
			key := a.StreamID + "->" + b.StreamID
			if matched[key] {
				continue
			}
			matched[key] = true

			group, ok := groups[key]
			if !ok {
				group = &pairGroup{primary: a}
				groups[key] = group
				order = append(order, key)
			}
			group.correlated = append(group.correlated, b)
			group.gaps = append(group.gaps, gap)
		}
	}

	var out []domain.Correlation
	for _, key := range order {
		group := groups[key]
		count := len(group.gaps)
		if count < minOccurrences {
			continue
		}
		confidence := (occurrenceScore(count, minOccurrences) + consistencyScore(group.gaps)) / 2
		if confidence < minConfidence {
			continue
		}
		out = append(out, domain.Correlation{
			PatternType:         domain.PatternSequential,
			PrimaryEvent:        group.primary,
			CorrelatedEvents:    group.correlated,
			OccurrenceFrequency: count,
			ConfidenceScore:     confidence,
			TemporalGap:         medianDuration(group.gaps),
		})
	}
	return out, nil
}
