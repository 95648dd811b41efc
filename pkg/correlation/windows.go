package correlation

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// Window is one bounded interval of the event timeline. Windows
// overlap, so a single event can sit in several windows at once.
type Window struct {
	StartTime time.Time
	EndTime   time.Time

	mu           sync.Mutex
	events       []domain.Event
	correlations []domain.Correlation
}

// Contains reports whether a timestamp falls in [StartTime, EndTime).
func (w *Window) Contains(ts time.Time) bool {
	return !ts.Before(w.StartTime) && ts.Before(w.EndTime)
}

// EventCount returns the number of events assigned to the window.
func (w *Window) EventCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

// Events returns a copy of the assigned events, safe for lock-free
// detector runs.
func (w *Window) Events() []domain.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Event(nil), w.events...)
}

// Correlations returns a copy of the accepted correlations.
func (w *Window) Correlations() []domain.Correlation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Correlation(nil), w.correlations...)
}

// AddCorrelation records an accepted correlation on the window.
func (w *Window) AddCorrelation(c domain.Correlation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.correlations = append(w.correlations, c)
}

func (w *Window) appendEvent(e domain.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, e)
}

// WindowManager partitions the event timeline into overlapping windows
// opened on a fixed cadence of size * (1 - overlap). The live set is
// kept sorted by start time and binary-searched per event.
type WindowManager struct {
	logger *zap.Logger

	size   time.Duration
	stride time.Duration
	grace  time.Duration

	historyLimit int

	mu        sync.Mutex
	live      []*Window // sorted by StartTime
	history   []*Window // recently closed, bounded
	nextStart time.Time
	watermark time.Time

	lateEvents int64
}

// NewWindowManager builds a manager from window configuration.
func NewWindowManager(logger *zap.Logger, cfg config.WindowConfig) *WindowManager {
	stride := time.Duration(float64(cfg.Size) * (1 - cfg.Overlap))
	if stride <= 0 {
		stride = cfg.Size
	}
	return &WindowManager{
		logger:       logger,
		size:         cfg.Size,
		stride:       stride,
		grace:        cfg.GracePeriod,
		historyLimit: cfg.History,
	}
}

// Assign routes an event into every live window containing its
// timestamp, opening new windows as the watermark advances. An event
// whose windows have all closed is a straggler: it is dropped and the
// late-event counter is incremented, never lost silently.
func (m *WindowManager) Assign(event domain.Event) []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := event.Timestamp
	if m.watermark.IsZero() || ts.After(m.watermark) {
		m.watermark = ts
	}
	if m.nextStart.IsZero() {
		m.nextStart = ts
	}

	// Open windows on the cadence up to the watermark.
	for !m.nextStart.After(m.watermark) {
		m.live = append(m.live, &Window{
			StartTime: m.nextStart,
			EndTime:   m.nextStart.Add(m.size),
		})
		m.nextStart = m.nextStart.Add(m.stride)
	}

	// Only windows starting after ts-size can contain ts.
	earliest := ts.Add(-m.size)
	lo := sort.Search(len(m.live), func(i int) bool {
		return m.live[i].StartTime.After(earliest)
	})

	var hit []*Window
	for i := lo; i < len(m.live); i++ {
		w := m.live[i]
		if w.StartTime.After(ts) {
			break
		}
		if w.Contains(ts) {
			w.appendEvent(event)
			hit = append(hit, w)
		}
	}

	if len(hit) == 0 {
		atomic.AddInt64(&m.lateEvents, 1)
		m.logger.Debug("dropping late event",
			zap.String("event_id", event.EventID),
			zap.Time("timestamp", ts),
			zap.Time("watermark", m.watermark))
	}
	return hit
}

// CloseDue removes and returns every live window whose end time has
// fallen behind the processing watermark minus the grace period.
func (m *WindowManager) CloseDue() []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watermark.IsZero() {
		return nil
	}
	threshold := m.watermark.Add(-m.grace)

	var closed []*Window
	remaining := m.live[:0]
	for _, w := range m.live {
		if !w.EndTime.After(threshold) {
			closed = append(closed, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.live = remaining
	m.retain(closed)
	return closed
}

// Flush closes every live window regardless of the watermark. Used at
// end of a batch stream and on shutdown.
func (m *WindowManager) Flush() []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := m.live
	m.live = nil
	m.retain(closed)
	return closed
}

func (m *WindowManager) retain(closed []*Window) {
	m.history = append(m.history, closed...)
	if over := len(m.history) - m.historyLimit; over > 0 {
		m.history = append([]*Window(nil), m.history[over:]...)
	}
}

// LateEvents returns how many stragglers were dropped.
func (m *WindowManager) LateEvents() int64 {
	return atomic.LoadInt64(&m.lateEvents)
}

// LiveCount returns the number of open windows.
func (m *WindowManager) LiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// History returns the retained closed windows, oldest first.
func (m *WindowManager) History() []*Window {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Window(nil), m.history...)
}
