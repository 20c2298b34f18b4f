package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/rcliao/memoryscope/internal/embedding"
	"github.com/rcliao/memoryscope/internal/model"
)

// SQLiteStore implements Store using SQLite. Similarity is computed in Go
// over the filtered rows.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memory_nodes (
		id            TEXT PRIMARY KEY,
		user_name     TEXT NOT NULL,
		target_name   TEXT NOT NULL,
		memory_type   TEXT NOT NULL,
		content       TEXT NOT NULL,
		meta          TEXT,
		obs_reflected INTEGER NOT NULL DEFAULT 0,
		obs_updated   INTEGER NOT NULL DEFAULT 0,
		ts            INTEGER NOT NULL,
		dt            TEXT NOT NULL,
		vector        BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_nodes_owner ON memory_nodes(user_name, target_name, memory_type);
	CREATE INDEX IF NOT EXISTS idx_nodes_ts ON memory_nodes(ts DESC);
	CREATE INDEX IF NOT EXISTS idx_nodes_dt ON memory_nodes(dt);
	`
	_, err := s.db.Exec(schema)
	return err
}

const nodeColumns = `id, user_name, target_name, memory_type, content, meta, obs_reflected, obs_updated, ts, dt, vector`

func (s *SQLiteStore) Retrieve(ctx context.Context, p RetrieveParams) ([]model.Record, error) {
	if p.Vector == nil {
		return s.query(ctx, p.Filter, p.TopK)
	}

	recs, err := s.query(ctx, p.Filter, 0)
	if err != nil {
		return nil, err
	}
	for i := range recs {
		recs[i].ScoreSimilar = embedding.CosineSimilarity(p.Vector, recs[i].Vector)
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ScoreSimilar > recs[j].ScoreSimilar })
	if p.TopK > 0 && len(recs) > p.TopK {
		recs = recs[:p.TopK]
	}
	return recs, nil
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]model.Record, error) {
	return s.query(ctx, p.Filter, p.Limit)
}

// query returns matching rows newest first.
func (s *SQLiteStore) query(ctx context.Context, f Filter, limit int) ([]model.Record, error) {
	where, args := filterSQL(f)
	query := `SELECT ` + nodeColumns + ` FROM memory_nodes`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY ts DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func filterSQL(f Filter) ([]string, []any) {
	var where []string
	var args []any

	if f.UserName != "" {
		where = append(where, "user_name = ?")
		args = append(args, f.UserName)
	}
	if f.TargetName != "" {
		where = append(where, "target_name = ?")
		args = append(args, f.TargetName)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "memory_type IN ("+strings.Join(marks, ",")+")")
	}
	keys := make([]string, 0, len(f.Meta))
	for k := range f.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		where = append(where, "json_extract(meta, ?) = ?")
		args = append(args, `$."`+k+`"`, f.Meta[k])
	}
	if f.Reflected != nil {
		where = append(where, "obs_reflected = ?")
		args = append(args, boolInt(*f.Reflected))
	}
	if f.Updated != nil {
		where = append(where, "obs_updated = ?")
		args = append(args, boolInt(*f.Updated))
	}
	return where, args
}

func (s *SQLiteStore) Get(ctx context.Context, ids ...string) ([]model.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM memory_nodes WHERE id IN (`+strings.Join(marks, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get nodes: %w", err)
	}
	defer rows.Close()

	var recs []model.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Insert(ctx context.Context, recs ...model.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range recs {
		meta, err := encodeMeta(r.Meta)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_nodes (`+nodeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.UserName, r.TargetName, string(r.Type), r.Content, meta,
			boolInt(r.ObsReflected), boolInt(r.ObsUpdated), r.Timestamp.UnixNano(), r.DT, encodeVector(r.Vector))
		if err != nil {
			return fmt.Errorf("insert node %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Update(ctx context.Context, recs ...model.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range recs {
		meta, err := encodeMeta(r.Meta)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE memory_nodes
			 SET content = ?, meta = ?, obs_reflected = ?, obs_updated = ?, vector = COALESCE(?, vector)
			 WHERE id = ?`,
			r.Content, meta, boolInt(r.ObsReflected), boolInt(r.ObsUpdated), encodeVector(r.Vector), r.ID)
		if err != nil {
			return fmt.Errorf("update node %s: %w", r.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update node %s: %w", r.ID, ErrNotFound)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_nodes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete node %s: %w", id, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (model.Record, error) {
	var r model.Record
	var meta sql.NullString
	var memType string
	var reflected, updated int
	var ts int64
	var vec []byte

	err := row.Scan(&r.ID, &r.UserName, &r.TargetName, &memType, &r.Content, &meta,
		&reflected, &updated, &ts, &r.DT, &vec)
	if err != nil {
		return r, err
	}

	r.Type = model.MemoryType(memType)
	r.Status = model.StatusActive
	r.ObsReflected = reflected != 0
	r.ObsUpdated = updated != 0
	r.Timestamp = time.Unix(0, ts)
	r.Vector = decodeVector(vec)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &r.Meta); err != nil {
			return r, fmt.Errorf("decode meta %s: %w", r.ID, err)
		}
	}
	return r, nil
}

func encodeMeta(m map[string]string) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	s := string(b)
	return &s, nil
}

// encodeVector packs a vector as little-endian float32s. An empty vector
// binds NULL so updates keep the stored one.
func encodeVector(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
