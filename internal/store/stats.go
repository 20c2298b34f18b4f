package store

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/rcliao/memoryscope/internal/model"
)

// Stats holds storage statistics.
type Stats struct {
	Backend     string      `json:"backend"`
	Path        string      `json:"path,omitempty"`
	SizeBytes   int64       `json:"size_bytes,omitempty"`
	TotalNodes  int         `json:"total_nodes"`
	Unreflected int         `json:"unreflected_observations"`
	Types       []TypeStats `json:"types"`
	Users       []UserStats `json:"users"`
}

// TypeStats holds per-type counts.
type TypeStats struct {
	Type  model.MemoryType `json:"memory_type"`
	Count int              `json:"count"`
}

// UserStats holds per user/target counts.
type UserStats struct {
	UserName   string `json:"user_name"`
	TargetName string `json:"target_name"`
	Count      int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Backend: "sqlite", Path: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.SizeBytes = info.Size()
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_nodes`).Scan(&st.TotalNodes); err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_nodes WHERE memory_type = ? AND obs_reflected = 0`,
		string(model.TypeObservation)).Scan(&st.Unreflected); err != nil {
		return nil, fmt.Errorf("count unreflected: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT memory_type, COUNT(*) AS cnt
		FROM memory_nodes GROUP BY memory_type ORDER BY cnt DESC, memory_type`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var ts TypeStats
		if err := rows.Scan(&ts.Type, &ts.Count); err != nil {
			rows.Close()
			return st, err
		}
		st.Types = append(st.Types, ts)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT user_name, target_name, COUNT(*) AS cnt
		FROM memory_nodes GROUP BY user_name, target_name ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var us UserStats
		if err := rows.Scan(&us.UserName, &us.TargetName, &us.Count); err != nil {
			return st, err
		}
		st.Users = append(st.Users, us)
	}
	return st, rows.Err()
}

// statsFromRecords builds Stats for stores without an aggregate query.
func statsFromRecords(backend string, recs []model.Record) *Stats {
	st := &Stats{Backend: backend, TotalNodes: len(recs)}
	types := map[model.MemoryType]int{}
	type pair struct{ user, target string }
	users := map[pair]int{}
	for _, r := range recs {
		types[r.Type]++
		users[pair{r.UserName, r.TargetName}]++
		if r.Type == model.TypeObservation && !r.ObsReflected {
			st.Unreflected++
		}
	}
	for t, n := range types {
		st.Types = append(st.Types, TypeStats{Type: t, Count: n})
	}
	sort.Slice(st.Types, func(i, j int) bool {
		if st.Types[i].Count != st.Types[j].Count {
			return st.Types[i].Count > st.Types[j].Count
		}
		return st.Types[i].Type < st.Types[j].Type
	})
	for p, n := range users {
		st.Users = append(st.Users, UserStats{UserName: p.user, TargetName: p.target, Count: n})
	}
	sort.Slice(st.Users, func(i, j int) bool { return st.Users[i].Count > st.Users[j].Count })
	return st
}
