package correlation

import (
	"math"
	"sort"
	"time"

	"github.com/khipu-io/khipu/pkg/domain"
)

// Detector is the shared contract of the four pattern algorithms. A
// detector is a pure function over an immutable event slice: it holds
// no mutable state and needs no synchronization.
type Detector interface {
	Name() string
	Detect(events []domain.Event, minOccurrences int, minConfidence float64) ([]domain.Correlation, error)
}

func sortedByTime(events []domain.Event) []domain.Event {
	out := append([]domain.Event(nil), events...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// occurrenceScore maps an observation count onto [0, 1], saturating at
// twice the required minimum. More repeats always score higher until
// saturation, which keeps confidence monotonic in frequency.
func occurrenceScore(count, minOccurrences int) float64 {
	if minOccurrences < 1 {
		minOccurrences = 1
	}
	score := float64(count) / float64(2*minOccurrences)
	if score > 1 {
		score = 1
	}
	return score
}

// consistencyScore maps gap steadiness onto (0, 1]: identical gaps
// score 1, and the score decays as the relative standard deviation
// grows. Confidence is therefore monotonic in gap consistency.
func consistencyScore(gaps []time.Duration) float64 {
	if len(gaps) < 2 {
		return 1
	}
	mean := meanDuration(gaps)
	if mean <= 0 {
		return 1
	}
	var variance float64
	for _, g := range gaps {
		diff := float64(g - mean)
		variance += diff * diff
	}
	variance /= float64(len(gaps))
	relStdDev := math.Sqrt(variance) / float64(mean)
	return 1 / (1 + relStdDev)
}

func meanDuration(gaps []time.Duration) time.Duration {
	if len(gaps) == 0 {
		return 0
	}
	var sum time.Duration
	for _, g := range gaps {
		sum += g
	}
	return sum / time.Duration(len(gaps))
}

func medianDuration(gaps []time.Duration) time.Duration {
	if len(gaps) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), gaps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
