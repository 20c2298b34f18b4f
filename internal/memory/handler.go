// Package memory holds the per-run registry of memory nodes that workers
// read and write, and commits their pending changes to the store.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/metrics"
	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/store"
)

// Handler maps result keys to node ids and ids to nodes. It is safe for use
// by concurrent chains.
type Handler struct {
	store store.Store
	embed embedding.Embedder
	log   zerolog.Logger

	mu      sync.RWMutex
	keys    map[string][]string
	nodes   map[string]*model.MemoryNode
	expired []*model.MemoryNode
}

// NewHandler returns an empty handler.
func NewHandler(s store.Store, e embedding.Embedder, log zerolog.Logger) *Handler {
	return &Handler{
		store: s,
		embed: e,
		log:   log,
		keys:  map[string][]string{},
		nodes: map[string]*model.MemoryNode{},
	}
}

// Store is the backing store.
func (h *Handler) Store() store.Store { return h.store }

// Embedder is the embedder used on commit.
func (h *Handler) Embedder() embedding.Embedder { return h.embed }

// Add registers nodes without binding them to a key.
func (h *Handler) Add(nodes ...*model.MemoryNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, n := range nodes {
		h.nodes[n.ID()] = n
	}
}

// Set binds key to exactly nodes, replacing what it held.
func (h *Handler) Set(key string, nodes ...*model.MemoryNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		h.nodes[n.ID()] = n
		ids = append(ids, n.ID())
	}
	h.keys[key] = ids
}

// Append adds nodes to key, skipping ids it already holds.
func (h *Handler) Append(key string, nodes ...*model.MemoryNode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	have := map[string]bool{}
	for _, id := range h.keys[key] {
		have[id] = true
	}
	for _, n := range nodes {
		h.nodes[n.ID()] = n
		if !have[n.ID()] {
			have[n.ID()] = true
			h.keys[key] = append(h.keys[key], n.ID())
		}
	}
}

// Get returns the live nodes under keys. See Lookup.
func (h *Handler) Get(keys ...string) []*model.MemoryNode {
	return h.Lookup(false, keys...)
}

// Lookup returns the union of the live nodes under keys in key order,
// de-duplicated by id and then by trimmed content; the first occurrence
// wins. Expired nodes are left out. quiet suppresses repeat warnings.
func (h *Handler) Lookup(quiet bool, keys ...string) []*model.MemoryNode {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seenID := map[string]bool{}
	seenContent := map[string]string{}
	var out []*model.MemoryNode
	for _, key := range keys {
		for _, id := range h.keys[key] {
			if seenID[id] {
				continue
			}
			seenID[id] = true
			n := h.nodes[id]
			if n == nil || n.Status() == model.StatusExpired {
				continue
			}
			content := n.NormalizedContent()
			if first, dup := seenContent[content]; dup {
				if !quiet {
					h.log.Warn().Str("key", key).Str("memory_id", id).Str("kept", first).
						Msg("repeated memory content dropped")
				}
				continue
			}
			seenContent[content] = id
			out = append(out, n)
		}
	}
	return out
}

// Node returns a registered node by id.
func (h *Handler) Node(id string) (*model.MemoryNode, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	return n, ok
}

// Keys lists bound keys in sorted order.
func (h *Handler) Keys() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	keys := make([]string, 0, len(h.keys))
	for k := range h.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Load turns stored records into registered nodes. A record whose id is
// already registered returns the existing node with its similarity score
// refreshed, so branches that load the same fact share one node.
func (h *Handler) Load(recs []model.Record) ([]*model.MemoryNode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*model.MemoryNode, 0, len(recs))
	for _, r := range recs {
		if n, ok := h.nodes[r.ID]; ok {
			n.SetScoreSimilar(r.ScoreSimilar)
			out = append(out, n)
			continue
		}
		n, err := model.FromRecord(r)
		if err != nil {
			return out, err
		}
		h.nodes[n.ID()] = n
		out = append(out, n)
	}
	return out, nil
}

// Expired returns the nodes whose delete has been committed.
func (h *Handler) Expired() []*model.MemoryNode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*model.MemoryNode(nil), h.expired...)
}

// Reset drops every key and node.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys = map[string][]string{}
	h.nodes = map[string]*model.MemoryNode{}
	h.expired = nil
}

// CommitStats counts the store operations one commit issued.
type CommitStats struct {
	Inserted   int `json:"inserted"`
	Reembedded int `json:"reembedded"`
	Updated    int `json:"updated"`
	Deleted    int `json:"deleted"`
	Failed     int `json:"failed"`
}

// Total is the number of successful operations.
func (c CommitStats) Total() int {
	return c.Inserted + c.Reembedded + c.Updated + c.Deleted
}

// Commit persists every pending node under keys, or every registered node
// when no key is given. A node that fails stays pending and its error is
// joined into the result; the others still commit.
func (h *Handler) Commit(ctx context.Context, keys ...string) (CommitStats, error) {
	var stats CommitStats
	var errs []error

	for _, n := range h.pending(keys) {
		action, err := n.Commit(func(a model.Action, rec *model.Record) error {
			return h.persist(ctx, a, rec)
		})
		if err != nil {
			stats.Failed++
			metrics.BackendErrors.WithLabelValues("memory", "store").Inc()
			h.log.Warn().Err(err).Str("memory_id", n.ID()).Str("action", action.String()).Msg("commit failed")
			errs = append(errs, fmt.Errorf("commit %s: %w", n.ID(), err))
			continue
		}
		if action == model.ActionNone {
			continue
		}
		metrics.StoreOps.WithLabelValues(action.String()).Inc()
		switch action {
		case model.ActionInsert:
			stats.Inserted++
		case model.ActionUpdateReembed:
			stats.Reembedded++
		case model.ActionUpdate:
			stats.Updated++
		case model.ActionDelete:
			stats.Deleted++
			h.mu.Lock()
			h.expired = append(h.expired, n)
			h.mu.Unlock()
		}
	}

	if stats.Total() > 0 || stats.Failed > 0 {
		h.log.Info().
			Int("inserted", stats.Inserted).
			Int("reembedded", stats.Reembedded).
			Int("updated", stats.Updated).
			Int("deleted", stats.Deleted).
			Int("failed", stats.Failed).
			Msg("memory committed")
	}
	return stats, errors.Join(errs...)
}

// pending snapshots the nodes to commit in a stable order.
func (h *Handler) pending(keys []string) []*model.MemoryNode {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*model.MemoryNode
	if len(keys) == 0 {
		ids := make([]string, 0, len(h.nodes))
		for id := range h.nodes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			out = append(out, h.nodes[id])
		}
		return out
	}

	seen := map[string]bool{}
	for _, key := range keys {
		for _, id := range h.keys[key] {
			if seen[id] {
				continue
			}
			seen[id] = true
			if n := h.nodes[id]; n != nil {
				out = append(out, n)
			}
		}
	}
	return out
}

func (h *Handler) persist(ctx context.Context, a model.Action, rec *model.Record) error {
	if a.NeedsEmbedding() {
		if h.embed == nil {
			return errors.New("no embedder configured")
		}
		v, err := h.embed.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("embed: %w", err)
		}
		rec.Vector = v
	}
	switch a {
	case model.ActionInsert:
		return h.store.Insert(ctx, *rec)
	case model.ActionUpdateReembed, model.ActionUpdate:
		return h.store.Update(ctx, *rec)
	case model.ActionDelete:
		return h.store.Delete(ctx, rec.ID)
	}
	return nil
}
