package domain

import (
	"time"
)

// AnchorMetadata describes how an anchor came to exist.
type AnchorMetadata struct {
	// Providers lists the provider ids registered when the anchor was created.
	Providers []string `json:"providers,omitempty"`

	// CreationTrigger records what forked this anchor from its parent
	// ("root" for the initial anchor, otherwise the pattern type of the
	// correlation that crossed the anchor-creation threshold).
	CreationTrigger string `json:"creation_trigger"`
}

// MemoryAnchor is an immutable, versioned snapshot of per-provider
// cursor state. Anchors are append-only: once sealed they are never
// mutated; a new anchor is always a copy-with-update forked from the
// current one, linked through ParentAnchorID.
type MemoryAnchor struct {
	AnchorID  string    `json:"anchor_id"`
	Timestamp time.Time `json:"timestamp"`

	// Cursors maps cursor_type -> latest cursor value, one slot per
	// registered provider dimension (temporal, spatial, filesystem, ...).
	Cursors map[string]string `json:"cursors"`

	Metadata AnchorMetadata `json:"metadata"`

	// ParentAnchorID is empty only for the root anchor.
	ParentAnchorID string `json:"parent_anchor_id,omitempty"`
}

// IsRoot reports whether this anchor is the start of its lineage.
func (a *MemoryAnchor) IsRoot() bool {
	return a.ParentAnchorID == ""
}

// Clone returns a deep copy, keeping sealed anchors immutable when
// handed to callers.
func (a *MemoryAnchor) Clone() *MemoryAnchor {
	out := *a
	out.Cursors = make(map[string]string, len(a.Cursors))
	for k, v := range a.Cursors {
		out.Cursors[k] = v
	}
	out.Metadata.Providers = append([]string(nil), a.Metadata.Providers...)
	return &out
}

// ProviderInfo registers an external source that emits cursor updates.
type ProviderInfo struct {
	ProviderID   string            `json:"provider_id" validate:"required"`
	ProviderType string            `json:"provider_type" validate:"required"`
	CursorTypes  []string          `json:"cursor_types" validate:"required,min=1,dive,required"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CursorUpdate moves one cursor dimension forward on the current
// (unsealed) anchor. Applying it never forks a new anchor by itself.
type CursorUpdate struct {
	ProviderID  string            `json:"provider_id" validate:"required"`
	CursorType  string            `json:"cursor_type" validate:"required"`
	CursorValue string            `json:"cursor_value" validate:"required"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Registration is returned on successful provider registration.
type Registration struct {
	ProviderID      string `json:"provider_id"`
	CurrentAnchorID string `json:"current_anchor_id"`
}

// CursorState is returned after a cursor merge: the id of the still
// current anchor and a copy of its full cursor map.
type CursorState struct {
	AnchorID string            `json:"anchor_id"`
	Cursors  map[string]string `json:"cursors"`
}
