// Package anchors maintains the versioned memory anchor state that
// accepted correlations and provider cursor updates feed. Anchors are
// append-only: the current anchor absorbs cursor merges in place until
// an anchor-worthy correlation seals it and forks a successor.
package anchors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

// ErrAnchorNotFound is returned for lookups of unknown anchor ids.
var ErrAnchorNotFound = errors.New("anchor not found")

// ErrNotActive is returned when the service is asked to mutate state
// before Initialize or after Shutdown.
var ErrNotActive = errors.New("anchor service is not active")

// State tracks the service lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Service owns the anchor lineage for one process. The seal-and-fork
// transition runs under a single mutex, so exactly one anchor is ever
// current and two concurrent accepts cannot fork from the same parent.
type Service struct {
	logger            *zap.Logger
	creationThreshold float64

	mu        sync.Mutex
	state     State
	current   *domain.MemoryAnchor
	anchors   map[string]*domain.MemoryAnchor
	providers map[string]domain.ProviderInfo

	anchorsCreated metric.Int64Counter
	cursorMerges   metric.Int64Counter
}

// NewService creates an uninitialized anchor service.
func NewService(logger *zap.Logger, cfg config.AnchorConfig) *Service {
	service := &Service{
		logger:            logger,
		creationThreshold: cfg.CreationThreshold,
		anchors:           make(map[string]*domain.MemoryAnchor),
		providers:         make(map[string]domain.ProviderInfo),
	}

	meter := otel.Meter("khipu.anchors")
	service.anchorsCreated, _ = meter.Int64Counter(
		"anchors_created_total",
		metric.WithDescription("Total anchors created, including the root"),
	)
	service.cursorMerges, _ = meter.Int64Counter(
		"cursor_merges_total",
		metric.WithDescription("Cursor updates merged into the current anchor"),
	)

	return service
}

// Initialize creates the root anchor and activates the service.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		return fmt.Errorf("anchor service already initialized")
	case StateStopped:
		return ErrNotActive
	}

	root := &domain.MemoryAnchor{
		AnchorID:  uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Cursors:   make(map[string]string),
		Metadata:  domain.AnchorMetadata{CreationTrigger: "root"},
	}
	s.anchors[root.AnchorID] = root
	s.current = root
	s.state = StateActive
	s.anchorsCreated.Add(ctx, 1)

	s.logger.Info("anchor service initialized", zap.String("root_anchor_id", root.AnchorID))
	return nil
}

// RegisterProvider records a cursor provider. Provider ids are unique;
// a second registration of the same id fails without touching state.
func (s *Service) RegisterProvider(ctx context.Context, info domain.ProviderInfo) (*domain.Registration, error) {
	if err := domain.ValidateProviderInfo(&info); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, ErrNotActive
	}
	if _, exists := s.providers[info.ProviderID]; exists {
		return nil, &domain.DuplicateProviderError{ProviderID: info.ProviderID}
	}
	s.providers[info.ProviderID] = info

	s.logger.Info("provider registered",
		zap.String("provider_id", info.ProviderID),
		zap.Strings("cursor_types", info.CursorTypes))

	return &domain.Registration{
		ProviderID:      info.ProviderID,
		CurrentAnchorID: s.current.AnchorID,
	}, nil
}

// UpdateCursor merges a cursor value into the current anchor in place.
// This never forks a new anchor.
func (s *Service) UpdateCursor(ctx context.Context, update domain.CursorUpdate) (*domain.CursorState, error) {
	if err := domain.ValidateCursorUpdate(&update); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, ErrNotActive
	}
	provider, ok := s.providers[update.ProviderID]
	if !ok {
		return nil, domain.NewValidationError("cursor_update", "provider_id", "is not registered")
	}
	if !providerEmits(provider, update.CursorType) {
		return nil, domain.NewValidationError("cursor_update", "cursor_type",
			fmt.Sprintf("is not declared by provider %q", update.ProviderID))
	}

	s.current.Cursors[update.CursorType] = update.CursorValue
	s.cursorMerges.Add(ctx, 1)

	cursors := make(map[string]string, len(s.current.Cursors))
	for k, v := range s.current.Cursors {
		cursors[k] = v
	}
	return &domain.CursorState{AnchorID: s.current.AnchorID, Cursors: cursors}, nil
}

// AcceptCorrelation persists an accepted correlation. When its
// confidence reaches the anchor creation threshold the current anchor
// is sealed and a successor forked; otherwise the current anchor is
// returned unchanged. This is the only path that grows the lineage.
func (s *Service) AcceptCorrelation(ctx context.Context, c domain.Correlation) (*domain.MemoryAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return nil, &domain.PersistError{Wrapped: ErrNotActive}
	}

	if c.ConfidenceScore < s.creationThreshold {
		return s.current.Clone(), nil
	}

	sealed := s.current
	child := &domain.MemoryAnchor{
		AnchorID:  uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Cursors:   make(map[string]string, len(sealed.Cursors)),
		Metadata: domain.AnchorMetadata{
			Providers:       s.providerIDs(),
			CreationTrigger: string(c.PatternType),
		},
		ParentAnchorID: sealed.AnchorID,
	}
	for k, v := range sealed.Cursors {
		child.Cursors[k] = v
	}

	s.anchors[child.AnchorID] = child
	s.current = child
	s.anchorsCreated.Add(ctx, 1)

	s.logger.Info("anchor sealed and forked",
		zap.String("sealed_anchor_id", sealed.AnchorID),
		zap.String("new_anchor_id", child.AnchorID),
		zap.String("trigger", child.Metadata.CreationTrigger),
		zap.Float64("confidence", c.ConfidenceScore))

	return child.Clone(), nil
}

// CurrentAnchor returns a copy of the current anchor.
func (s *Service) CurrentAnchor() (*domain.MemoryAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, ErrNotActive
	}
	return s.current.Clone(), nil
}

// AnchorByID returns a copy of any anchor ever created.
func (s *Service) AnchorByID(id string) (*domain.MemoryAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anchor, ok := s.anchors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAnchorNotFound, id)
	}
	return anchor.Clone(), nil
}

// Lineage walks parent links from the given anchor, returning the
// anchor itself plus up to depth ancestors, stopping at the root.
func (s *Service) Lineage(id string, depth int) ([]*domain.MemoryAnchor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	anchor, ok := s.anchors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAnchorNotFound, id)
	}

	lineage := []*domain.MemoryAnchor{anchor.Clone()}
	for hops := 0; hops < depth && anchor.ParentAnchorID != ""; hops++ {
		parent, ok := s.anchors[anchor.ParentAnchorID]
		if !ok {
			return lineage, fmt.Errorf("%w: parent %s", ErrAnchorNotFound, anchor.ParentAnchorID)
		}
		lineage = append(lineage, parent.Clone())
		anchor = parent
	}
	return lineage, nil
}

// Shutdown stops the service. Cursor merges are applied synchronously
// under the service mutex, so acquiring it here guarantees all pending
// merges have reached the current anchor before the state flips.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateStopped {
		return nil
	}
	s.state = StateStopped
	s.logger.Info("anchor service stopped",
		zap.Int("anchors_created", len(s.anchors)))
	return nil
}

// State returns the lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AnchorCount returns how many anchors exist, root included.
func (s *Service) AnchorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.anchors)
}

func (s *Service) providerIDs() []string {
	ids := make([]string, 0, len(s.providers))
	for id := range s.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func providerEmits(provider domain.ProviderInfo, cursorType string) bool {
	for _, ct := range provider.CursorTypes {
		if ct == cursorType {
			return true
		}
	}
	return false
}
