package anchors

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khipu-io/khipu/pkg/config"
	"github.com/khipu-io/khipu/pkg/domain"
)

func newActiveService(t *testing.T) *Service {
	t.Helper()
	service := NewService(zaptest.NewLogger(t), config.Default().Anchors)
	require.NoError(t, service.Initialize(context.Background()))
	return service
}

func filesystemProvider() domain.ProviderInfo {
	return domain.ProviderInfo{
		ProviderID:   "filesystem",
		ProviderType: "watcher",
		CursorTypes:  []string{"filesystem"},
	}
}

func strongCorrelation() domain.Correlation {
	return domain.Correlation{
		PatternType: domain.PatternSequential,
		PrimaryEvent: domain.Event{
			EventID: "e1", StreamID: "email", Type: domain.EventTypeCommunication,
		},
		OccurrenceFrequency: 5,
		ConfidenceScore:     0.95,
	}
}

func TestInitializeCreatesRoot(t *testing.T) {
	service := newActiveService(t)

	current, err := service.CurrentAnchor()
	require.NoError(t, err)
	assert.True(t, current.IsRoot())
	assert.Empty(t, current.Cursors)
	assert.Equal(t, "root", current.Metadata.CreationTrigger)
	assert.Equal(t, StateActive, service.State())
	assert.Equal(t, 1, service.AnchorCount())
}

func TestInitializeTwiceFails(t *testing.T) {
	service := newActiveService(t)
	assert.Error(t, service.Initialize(context.Background()))
}

func TestMutationBeforeInitialize(t *testing.T) {
	service := NewService(zaptest.NewLogger(t), config.Default().Anchors)
	_, err := service.RegisterProvider(context.Background(), filesystemProvider())
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDuplicateProviderRegistration(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	first, err := service.RegisterProvider(ctx, filesystemProvider())
	require.NoError(t, err)
	assert.Equal(t, "filesystem", first.ProviderID)
	assert.NotEmpty(t, first.CurrentAnchorID)

	_, err = service.RegisterProvider(ctx, filesystemProvider())
	var dup *domain.DuplicateProviderError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "filesystem", dup.ProviderID)

	// First registration's anchor is untouched by the failed attempt.
	current, err := service.CurrentAnchor()
	require.NoError(t, err)
	assert.Equal(t, first.CurrentAnchorID, current.AnchorID)
}

func TestCursorMergeDoesNotFork(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	_, err := service.RegisterProvider(ctx, filesystemProvider())
	require.NoError(t, err)

	before, err := service.CurrentAnchor()
	require.NoError(t, err)

	state, err := service.UpdateCursor(ctx, domain.CursorUpdate{
		ProviderID:  "filesystem",
		CursorType:  "filesystem",
		CursorValue: "/home/user/notes.md",
	})
	require.NoError(t, err)

	assert.Equal(t, before.AnchorID, state.AnchorID)
	assert.Equal(t, "/home/user/notes.md", state.Cursors["filesystem"])
	assert.Equal(t, 1, service.AnchorCount())
}

func TestCursorUpdateValidation(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	_, err := service.RegisterProvider(ctx, filesystemProvider())
	require.NoError(t, err)

	var verr *domain.ValidationError

	_, err = service.UpdateCursor(ctx, domain.CursorUpdate{
		ProviderID: "unknown", CursorType: "filesystem", CursorValue: "x",
	})
	require.True(t, errors.As(err, &verr))

	_, err = service.UpdateCursor(ctx, domain.CursorUpdate{
		ProviderID: "filesystem", CursorType: "spatial", CursorValue: "x",
	})
	require.True(t, errors.As(err, &verr))

	_, err = service.UpdateCursor(ctx, domain.CursorUpdate{
		ProviderID: "filesystem", CursorType: "filesystem",
	})
	require.True(t, errors.As(err, &verr))
}

func TestAcceptCorrelationSealsAndForks(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	_, err := service.RegisterProvider(ctx, filesystemProvider())
	require.NoError(t, err)
	_, err = service.UpdateCursor(ctx, domain.CursorUpdate{
		ProviderID: "filesystem", CursorType: "filesystem", CursorValue: "/srv/data",
	})
	require.NoError(t, err)

	sealedID, err := service.CurrentAnchor()
	require.NoError(t, err)

	forked, err := service.AcceptCorrelation(ctx, strongCorrelation())
	require.NoError(t, err)

	assert.NotEqual(t, sealedID.AnchorID, forked.AnchorID)
	assert.Equal(t, sealedID.AnchorID, forked.ParentAnchorID)
	assert.Equal(t, "/srv/data", forked.Cursors["filesystem"], "cursors carry over to the fork")
	assert.Equal(t, "sequential", forked.Metadata.CreationTrigger)
	assert.Contains(t, forked.Metadata.Providers, "filesystem")
	assert.Equal(t, 2, service.AnchorCount())

	// The sealed anchor is immutable: later merges land on the fork.
	_, err = service.UpdateCursor(ctx, domain.CursorUpdate{
		ProviderID: "filesystem", CursorType: "filesystem", CursorValue: "/srv/other",
	})
	require.NoError(t, err)

	sealed, err := service.AnchorByID(sealedID.AnchorID)
	require.NoError(t, err)
	assert.Equal(t, "/srv/data", sealed.Cursors["filesystem"])
}

func TestAcceptBelowThresholdKeepsCurrent(t *testing.T) {
	service := newActiveService(t)

	weak := strongCorrelation()
	weak.ConfidenceScore = 0.5

	current, err := service.CurrentAnchor()
	require.NoError(t, err)

	anchor, err := service.AcceptCorrelation(context.Background(), weak)
	require.NoError(t, err)
	assert.Equal(t, current.AnchorID, anchor.AnchorID)
	assert.Equal(t, 1, service.AnchorCount())
}

func TestLineageTerminatesAtRoot(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := service.AcceptCorrelation(ctx, strongCorrelation())
		require.NoError(t, err)
	}

	current, err := service.CurrentAnchor()
	require.NoError(t, err)

	lineage, err := service.Lineage(current.AnchorID, 100)
	require.NoError(t, err)

	assert.LessOrEqual(t, len(lineage), service.AnchorCount())
	assert.Equal(t, current.AnchorID, lineage[0].AnchorID)
	assert.True(t, lineage[len(lineage)-1].IsRoot())
	for i := 0; i < len(lineage)-1; i++ {
		assert.Equal(t, lineage[i+1].AnchorID, lineage[i].ParentAnchorID)
	}
}

func TestLineageDepthLimit(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := service.AcceptCorrelation(ctx, strongCorrelation())
		require.NoError(t, err)
	}
	current, err := service.CurrentAnchor()
	require.NoError(t, err)

	lineage, err := service.Lineage(current.AnchorID, 2)
	require.NoError(t, err)
	assert.Len(t, lineage, 3)
}

func TestAnchorByIDNotFound(t *testing.T) {
	service := newActiveService(t)
	_, err := service.AnchorByID("no-such-anchor")
	assert.ErrorIs(t, err, ErrAnchorNotFound)
}

func TestShutdownRefusesMutation(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	require.NoError(t, service.Shutdown(ctx))
	require.NoError(t, service.Shutdown(ctx), "shutdown is idempotent")
	assert.Equal(t, StateStopped, service.State())

	_, err := service.RegisterProvider(ctx, filesystemProvider())
	assert.ErrorIs(t, err, ErrNotActive)

	_, err = service.AcceptCorrelation(ctx, strongCorrelation())
	var perr *domain.PersistError
	assert.True(t, errors.As(err, &perr))

	// Reads still work after shutdown.
	_, err = service.CurrentAnchor()
	assert.NoError(t, err)
}

func TestConcurrentAcceptsSerializeForks(t *testing.T) {
	service := newActiveService(t)
	ctx := context.Background()

	const forks = 20
	var wg sync.WaitGroup
	for i := 0; i < forks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.AcceptCorrelation(ctx, strongCorrelation())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Every fork got a distinct parent: the chain is a line, not a tree
	// of siblings forked from the same anchor.
	assert.Equal(t, forks+1, service.AnchorCount())

	current, err := service.CurrentAnchor()
	require.NoError(t, err)
	lineage, err := service.Lineage(current.AnchorID, forks+1)
	require.NoError(t, err)
	assert.Len(t, lineage, forks+1)
}
