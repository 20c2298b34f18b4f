// Package store provides durable storage for committed memory nodes: a
// SQLite implementation and a chromem-go vector store.
package store

import (
	"context"
	"errors"
	"slices"

	"github.com/rcliao/memoryscope/internal/model"
)

// ErrNotFound is returned when a node id is not stored.
var ErrNotFound = errors.New("memory not found")

// Filter restricts which nodes a read returns. Zero fields match everything.
type Filter struct {
	UserName   string
	TargetName string
	Types      []model.MemoryType
	Meta       map[string]string // exact match per key
	Reflected  *bool
	Updated    *bool
}

// Match reports whether r passes the filter.
func (f Filter) Match(r model.Record) bool {
	if f.UserName != "" && r.UserName != f.UserName {
		return false
	}
	if f.TargetName != "" && r.TargetName != f.TargetName {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, r.Type) {
		return false
	}
	for k, v := range f.Meta {
		if r.Meta[k] != v {
			return false
		}
	}
	if f.Reflected != nil && r.ObsReflected != *f.Reflected {
		return false
	}
	if f.Updated != nil && r.ObsUpdated != *f.Updated {
		return false
	}
	return true
}

// RetrieveParams holds parameters for a retrieval.
type RetrieveParams struct {
	Filter
	// Vector ranks by cosine similarity and fills ScoreSimilar. Without
	// it, the most recent nodes come first.
	Vector []float32
	TopK   int // 0 means no limit
}

// ListParams holds parameters for listing nodes.
type ListParams struct {
	Filter
	Limit int // 0 means no limit
}

// Store persists committed nodes. Only active nodes are stored; a delete
// removes the row.
type Store interface {
	// Retrieve returns the nodes matching the filter, best first.
	Retrieve(ctx context.Context, p RetrieveParams) ([]model.Record, error)

	// Get returns the stored nodes among ids. Missing ids are skipped.
	Get(ctx context.Context, ids ...string) ([]model.Record, error)

	// Insert stores new nodes.
	Insert(ctx context.Context, recs ...model.Record) error

	// Update overwrites stored nodes. Updating a missing node is ErrNotFound.
	Update(ctx context.Context, recs ...model.Record) error

	// Delete removes nodes. Missing ids are ignored.
	Delete(ctx context.Context, ids ...string) error

	// List returns nodes matching the filter, newest first.
	List(ctx context.Context, p ListParams) ([]model.Record, error)

	// Stats counts stored nodes.
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the store.
	Close() error
}

// Bool is a helper for the tri-state filter flags.
func Bool(b bool) *bool { return &b }
