package correlation

import (
	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// ContextualDetector groups events sharing situational context
// (location, device, ...) above a similarity floor, independent of
// timing.
type ContextualDetector struct {
	minSimilarity float64
}

// NewContextualDetector builds the detector from detector configuration.
func NewContextualDetector(cfg config.DetectorConfig) *ContextualDetector {
	return &ContextualDetector{minSimilarity: cfg.MinContextSimilarity}
}

func (d *ContextualDetector) Name() string { return "contextual" }

// Detect greedily clusters events by Jaccard similarity of their
// context key=value sets. Events without context are simply excluded
// from this criterion; they never fail the detector.
func (d *ContextualDetector) Detect(events []domain.Event, minOccurrences int, minConfidence float64) ([]domain.Correlation, error) {
	sorted := sortedByTime(events)

	var candidates []domain.Event
	for _, e := range sorted {
		if e.HasContext() {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) < 2 {
		return nil, nil
	}

	assigned := make([]bool, len(candidates))
	var out []domain.Correlation

	for i := range candidates {
		if assigned[i] {
			continue
		}
		seed := candidates[i]
		cluster := []domain.Event{seed}
		var similarities []float64

		for j := i + 1; j < len(candidates); j++ {
			if assigned[j] {
				continue
			}
			sim := contextSimilarity(seed.Context, candidates[j].Context)
			if sim >= d.minSimilarity {
				assigned[j] = true
				cluster = append(cluster, candidates[j])
				similarities = append(similarities, sim)
			}
		}

		count := len(cluster)
		if count < 2 || count < minOccurrences {
			continue
		}
		confidence := (occurrenceScore(count, minOccurrences) + mean(similarities)) / 2
		if confidence < minConfidence {
			continue
		}
		out = append(out, domain.Correlation{
			PatternType:         domain.PatternContextual,
			PrimaryEvent:        seed,
			CorrelatedEvents:    cluster[1:],
			OccurrenceFrequency: count,
			ConfidenceScore:     confidence,
		})
	}
	return out, nil
}

// contextSimilarity is the Jaccard index over "key=value" pairs.
func contextSimilarity(a, b map[string]string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for k, v := range a {
		if bv, ok := b[k]; ok && bv == v {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
