package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	chromem "github.com/philippgille/chromem-go"

	"github.com/rcliao/memoryscope/internal/model"
)

const chromemCollection = "memory_nodes"

var errNoVector = errors.New("chromem store needs precomputed vectors")

// ChromemStore keeps nodes in a chromem-go collection. Filters run in Go
// over the query results, so it suits small to medium stores.
type ChromemStore struct {
	db   *chromem.DB
	col  *chromem.Collection
	dims int
	path string
}

// NewChromemStore opens a persistent store at path, or an in-memory one when
// path is empty. dims is the embedding size used for unranked listing.
func NewChromemStore(path string, dims int) (*ChromemStore, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("chromem store: dims must be positive, got %d", dims)
	}
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem db: %w", err)
		}
	}

	col, err := db.GetOrCreateCollection(chromemCollection, nil, func(context.Context, string) ([]float32, error) {
		return nil, errNoVector
	})
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &ChromemStore{db: db, col: col, dims: dims, path: path}, nil
}

// all returns every stored node ranked against q.
func (s *ChromemStore) all(ctx context.Context, q []float32) ([]model.Record, error) {
	n := s.col.Count()
	if n == 0 {
		return nil, nil
	}
	if q == nil {
		q = make([]float32, s.dims)
		q[0] = 1
	}
	results, err := s.col.QueryEmbedding(ctx, q, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem query: %w", err)
	}
	recs := make([]model.Record, 0, len(results))
	for _, res := range results {
		r, err := decodeDocument(res.ID, res.Metadata, res.Embedding)
		if err != nil {
			return nil, err
		}
		r.ScoreSimilar = float64(res.Similarity)
		recs = append(recs, r)
	}
	return recs, nil
}

func (s *ChromemStore) Retrieve(ctx context.Context, p RetrieveParams) ([]model.Record, error) {
	recs, err := s.all(ctx, p.Vector)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, r := range recs {
		if p.Filter.Match(r) {
			if p.Vector == nil {
				r.ScoreSimilar = 0
			}
			out = append(out, r)
		}
	}
	if p.Vector == nil {
		sortNewest(out)
	}
	if p.TopK > 0 && len(out) > p.TopK {
		out = out[:p.TopK]
	}
	return out, nil
}

func (s *ChromemStore) List(ctx context.Context, p ListParams) ([]model.Record, error) {
	return s.Retrieve(ctx, RetrieveParams{Filter: p.Filter, TopK: p.Limit})
}

func (s *ChromemStore) Get(ctx context.Context, ids ...string) ([]model.Record, error) {
	var recs []model.Record
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := s.col.GetByID(ctx, id)
		if err != nil {
			continue // not stored
		}
		r, err := decodeDocument(doc.ID, doc.Metadata, doc.Embedding)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func (s *ChromemStore) Insert(ctx context.Context, recs ...model.Record) error {
	for _, r := range recs {
		if len(r.Vector) == 0 {
			return fmt.Errorf("insert node %s: %w", r.ID, errNoVector)
		}
		doc, err := encodeDocument(r)
		if err != nil {
			return err
		}
		if err := s.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("insert node %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Update(ctx context.Context, recs ...model.Record) error {
	for _, r := range recs {
		cur, err := s.col.GetByID(ctx, r.ID)
		if err != nil {
			return fmt.Errorf("update node %s: %w", r.ID, ErrNotFound)
		}
		if len(r.Vector) == 0 {
			r.Vector = cur.Embedding
		}
		doc, err := encodeDocument(r)
		if err != nil {
			return err
		}
		if err := s.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("update node %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *ChromemStore) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	return nil
}

func (s *ChromemStore) Stats(ctx context.Context) (*Stats, error) {
	recs, err := s.all(ctx, nil)
	if err != nil {
		return nil, err
	}
	st := statsFromRecords("chromem", recs)
	st.Path = s.path
	return st, nil
}

// Close is a no-op; persistent chromem writes through on every change.
func (s *ChromemStore) Close() error { return nil }

func encodeDocument(r model.Record) (chromem.Document, error) {
	vec := r.Vector
	r.Vector = nil
	r.ScoreSimilar = 0
	r.Status = model.StatusActive
	b, err := json.Marshal(r)
	if err != nil {
		return chromem.Document{}, fmt.Errorf("encode node %s: %w", r.ID, err)
	}
	return chromem.Document{
		ID:        r.ID,
		Content:   r.Content,
		Embedding: vec,
		Metadata: map[string]string{
			"record":      string(b),
			"user_name":   r.UserName,
			"target_name": r.TargetName,
			"memory_type": string(r.Type),
		},
	}, nil
}

func decodeDocument(id string, meta map[string]string, vec []float32) (model.Record, error) {
	var r model.Record
	if err := json.Unmarshal([]byte(meta["record"]), &r); err != nil {
		return r, fmt.Errorf("decode node %s: %w", id, err)
	}
	r.Vector = vec
	return r, nil
}

func sortNewest(recs []model.Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].Timestamp.After(recs[j].Timestamp)
		}
		return recs[i].ID > recs[j].ID
	})
}
