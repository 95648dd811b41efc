package correlation

import (
	"sort"
	"strings"
	"time"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// ConcurrentDetector finds unordered groups of events from distinct
// streams that co-occur within a small simultaneity tolerance.
type ConcurrentDetector struct {
	tolerance time.Duration
}

// NewConcurrentDetector builds the detector from detector configuration.
func NewConcurrentDetector(cfg config.DetectorConfig) *ConcurrentDetector {
	return &ConcurrentDetector{tolerance: cfg.SimultaneityTolerance}
}

func (d *ConcurrentDetector) Name() string { return "concurrent" }

// Detect clusters time-adjacent events, keeps clusters spanning at
// least two streams, and counts how often the same stream set
// co-occurred. Confidence averages the occurrence score with cluster
// tightness (how close to simultaneous the members were).
func (d *ConcurrentDetector) Detect(events []domain.Event, minOccurrences int, minConfidence float64) ([]domain.Correlation, error) {
	if len(events) < 2 {
		return nil, nil
	}
	sorted := sortedByTime(events)

	var clusters [][]domain.Event
	current := []domain.Event{sorted[0]}
	for _, e := range sorted[1:] {
		if e.Timestamp.Sub(current[0].Timestamp) <= d.tolerance {
			current = append(current, e)
		} else {
			clusters = append(clusters, current)
			current = []domain.Event{e}
		}
	}
	clusters = append(clusters, current)

	type clusterGroup struct {
		clusters [][]domain.Event
		spreads  []time.Duration
	}
	groups := make(map[string]*clusterGroup)
	var order []string

	for _, cluster := range clusters {
		streams := distinctStreams(cluster)
		if len(streams) < 2 {
			continue
		}
		key := strings.Join(streams, "+")
		group, ok := groups[key]
		if !ok {
			group = &clusterGroup{}
			groups[key] = group
			order = append(order, key)
		}
		group.clusters = append(group.clusters, cluster)
		spread := cluster[len(cluster)-1].Timestamp.Sub(cluster[0].Timestamp)
		group.spreads = append(group.spreads, spread)
	}

	var out []domain.Correlation
	for _, key := range order {
		group := groups[key]
		count := len(group.clusters)
		if count < minOccurrences {
			continue
		}
		confidence := (occurrenceScore(count, minOccurrences) + d.tightness(group.spreads)) / 2
		if confidence < minConfidence {
			continue
		}
		latest := group.clusters[count-1]
		out = append(out, domain.Correlation{
			PatternType:         domain.PatternConcurrent,
			PrimaryEvent:        latest[0],
			CorrelatedEvents:    latest[1:],
			OccurrenceFrequency: count,
			ConfidenceScore:     confidence,
		})
	}
	return out, nil
}

// tightness maps average cluster spread onto [0, 1]: truly simultaneous
// clusters score 1, clusters spanning the whole tolerance score 0.
func (d *ConcurrentDetector) tightness(spreads []time.Duration) float64 {
	if d.tolerance <= 0 || len(spreads) == 0 {
		return 1
	}
	avg := meanDuration(spreads)
	score := 1 - float64(avg)/float64(d.tolerance)
	if score < 0 {
		return 0
	}
	return score
}

func distinctStreams(events []domain.Event) []string {
	seen := make(map[string]struct{}, len(events))
	for _, e := range events {
		seen[e.StreamID] = struct{}{}
	}
	streams := make([]string, 0, len(seen))
	for id := range seen {
		streams = append(streams, id)
	}
	sort.Strings(streams)
	return streams
}
