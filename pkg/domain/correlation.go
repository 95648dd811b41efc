package domain

import (
	"sort"
	"strings"
	"time"
)

// PatternType identifies which detector produced a correlation
type PatternType string

const (
	PatternSequential PatternType = "sequential"
	PatternConcurrent PatternType = "concurrent"
	PatternCyclical   PatternType = "cyclical"
	PatternContextual PatternType = "contextual"
)

// Correlation is one detected pattern occurrence. It is created by a
// detector and never mutated after the engine accepts or rejects it.
type Correlation struct {
	PatternType  PatternType `json:"pattern_type"`
	PrimaryEvent Event       `json:"primary_event"`

	// CorrelatedEvents preserve detector ordering (temporal for
	// sequential/cyclical patterns).
	CorrelatedEvents []Event `json:"correlated_events"`

	// OccurrenceFrequency counts how often this exact stream pairing
	// has been observed so far.
	OccurrenceFrequency int `json:"occurrence_frequency"`

	// ConfidenceScore is always within [0, 1].
	ConfidenceScore float64 `json:"confidence_score"`

	// TemporalGap is meaningful for sequential (median gap) and
	// cyclical (estimated period) patterns; zero otherwise.
	TemporalGap time.Duration `json:"temporal_gap"`
}

// Signature returns the stable identity of this pattern's stream
// pairing, used as the occurrence-frequency key.
func (c *Correlation) Signature() string {
	switch c.PatternType {
	case PatternSequential:
		correlated := "?"
		if len(c.CorrelatedEvents) > 0 {
			correlated = c.CorrelatedEvents[0].StreamID
		}
		return string(c.PatternType) + "|" + c.PrimaryEvent.StreamID + "->" + correlated
	case PatternCyclical:
		return string(c.PatternType) + "|" + c.PrimaryEvent.StreamID
	default:
		streams := map[string]struct{}{c.PrimaryEvent.StreamID: {}}
		for _, e := range c.CorrelatedEvents {
			streams[e.StreamID] = struct{}{}
		}
		ids := make([]string, 0, len(streams))
		for id := range streams {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return string(c.PatternType) + "|" + strings.Join(ids, "+")
	}
}

// EventIDs returns the ids of all participating events, primary first.
func (c *Correlation) EventIDs() []string {
	ids := make([]string, 0, len(c.CorrelatedEvents)+1)
	ids = append(ids, c.PrimaryEvent.EventID)
	for _, e := range c.CorrelatedEvents {
		ids = append(ids, e.EventID)
	}
	return ids
}

// CorrelationStats holds the engine's monotonic acceptance counters.
type CorrelationStats struct {
	TotalCorrelationsDetected int64 `json:"total_correlations_detected"`
	CorrelationsAccepted      int64 `json:"correlations_accepted"`
	CorrelationsRejected      int64 `json:"correlations_rejected"`
}

// AcceptanceRatio returns accepted/detected, or 0 when nothing was detected.
func (s CorrelationStats) AcceptanceRatio() float64 {
	if s.TotalCorrelationsDetected == 0 {
		return 0
	}
	return float64(s.CorrelationsAccepted) / float64(s.TotalCorrelationsDetected)
}
