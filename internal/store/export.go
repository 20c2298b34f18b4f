package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rcliao/memoryscope/internal/model"
)

// Export writes every node matching f as newline-delimited JSON. Vectors
// are dropped; importing re-embeds.
func Export(ctx context.Context, s Store, w io.Writer, f Filter) (int, error) {
	recs, err := s.List(ctx, ListParams{Filter: f})
	if err != nil {
		return 0, fmt.Errorf("list nodes: %w", err)
	}
	enc := json.NewEncoder(w)
	for i, r := range recs {
		r.Vector = nil
		r.ScoreSimilar = 0
		if err := enc.Encode(r); err != nil {
			return i, fmt.Errorf("encode node %s: %w", r.ID, err)
		}
	}
	return len(recs), nil
}

// ReadRecords decodes newline-delimited JSON records as written by Export.
func ReadRecords(r io.Reader) ([]model.Record, error) {
	var recs []model.Record
	dec := json.NewDecoder(bufio.NewReader(r))
	for dec.More() {
		var rec model.Record
		if err := dec.Decode(&rec); err != nil {
			return recs, fmt.Errorf("decode record %d: %w", len(recs)+1, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Import stores records whose ids are not already present. embed fills
// missing vectors. Returns the number inserted.
func Import(ctx context.Context, s Store, recs []model.Record, embed func(context.Context, string) ([]float32, error)) (int, error) {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	existing, err := s.Get(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("check existing: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r.ID] = true
	}

	imported := 0
	for _, r := range recs {
		if seen[r.ID] {
			continue
		}
		if _, err := model.FromRecord(r); err != nil {
			return imported, err
		}
		r.Status = model.StatusActive
		r.DT = model.DayBucket(r.Timestamp)
		if len(r.Vector) == 0 && embed != nil {
			v, err := embed(ctx, r.Content)
			if err != nil {
				return imported, fmt.Errorf("embed %s: %w", r.ID, err)
			}
			r.Vector = v
		}
		if err := s.Insert(ctx, r); err != nil {
			return imported, fmt.Errorf("insert %s: %w", r.ID, err)
		}
		seen[r.ID] = true
		imported++
	}
	return imported, nil
}
