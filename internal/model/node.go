package model

import (
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a fresh ULID.
func NewID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// DayBucket returns the YYYYMMDD bucket for t.
func DayBucket(t time.Time) string {
	return t.Format("20060102")
}

// TimeMeta returns the calendar parts of t keyed by the Meta* constants.
func TimeMeta(t time.Time) map[string]string {
	return map[string]string{
		MetaYear:    strconv.Itoa(t.Year()),
		MetaMonth:   strconv.Itoa(int(t.Month())),
		MetaDay:     strconv.Itoa(t.Day()),
		MetaHour:    strconv.Itoa(t.Hour()),
		MetaWeekday: t.Weekday().String(),
	}
}

// NodeParams holds the inputs for NewMemoryNode.
type NodeParams struct {
	UserName   string
	TargetName string
	Content    string
	Type       MemoryType
	Meta       map[string]string
	Timestamp  time.Time // zero means now
}

// MemoryNode is a single durable fact. All access goes through methods so
// that concurrent chains can share nodes safely.
type MemoryNode struct {
	mu sync.Mutex

	id         string
	userName   string
	targetName string
	content    string
	memType    MemoryType
	meta       map[string]string
	status     Status
	reflected  bool
	updated    bool
	timestamp  time.Time
	dt         string
	vector     []float32
	purged     bool

	scoreSimilar float64
	scoreRank    float64
	scoreRerank  float64
}

// NewMemoryNode creates a node in status new.
func NewMemoryNode(p NodeParams) *MemoryNode {
	ts := p.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	meta := TimeMeta(ts)
	for k, v := range p.Meta {
		meta[k] = v
	}
	return &MemoryNode{
		id:         NewID(),
		userName:   p.UserName,
		targetName: p.TargetName,
		content:    p.Content,
		memType:    p.Type,
		meta:       meta,
		status:     StatusNew,
		timestamp:  ts,
		dt:         DayBucket(ts),
	}
}

// Record is the flat, persisted form of a node.
type Record struct {
	ID           string            `json:"memory_id"`
	UserName     string            `json:"user_name"`
	TargetName   string            `json:"target_name"`
	Content      string            `json:"content"`
	Type         MemoryType        `json:"memory_type"`
	Meta         map[string]string `json:"meta_data,omitempty"`
	Status       Status            `json:"status"`
	ObsReflected bool              `json:"obs_reflected"`
	ObsUpdated   bool              `json:"obs_updated"`
	Timestamp    time.Time         `json:"timestamp"`
	DT           string            `json:"dt"`
	Vector       []float32         `json:"vector,omitempty"`
	ScoreSimilar float64           `json:"score_similar,omitempty"`
}

// FromRecord rebuilds a node loaded from a store. DT is recomputed from Timestamp.
func FromRecord(r Record) (*MemoryNode, error) {
	if r.ID == "" {
		return nil, fmt.Errorf("restore node: empty memory_id")
	}
	if !ValidTypes[r.Type] {
		return nil, fmt.Errorf("restore node %s: unknown memory type %q", r.ID, r.Type)
	}
	status := r.Status
	if status == "" {
		status = StatusActive
	}
	meta := maps.Clone(r.Meta)
	if meta == nil {
		meta = map[string]string{}
	}
	return &MemoryNode{
		id:           r.ID,
		userName:     r.UserName,
		targetName:   r.TargetName,
		content:      r.Content,
		memType:      r.Type,
		meta:         meta,
		status:       status,
		reflected:    r.ObsReflected,
		updated:      r.ObsUpdated,
		timestamp:    r.Timestamp,
		dt:           DayBucket(r.Timestamp),
		vector:       slices.Clone(r.Vector),
		scoreSimilar: r.ScoreSimilar,
	}, nil
}

// Record returns a snapshot of the node.
func (n *MemoryNode) Record() Record {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.recordLocked()
}

func (n *MemoryNode) recordLocked() Record {
	return Record{
		ID:           n.id,
		UserName:     n.userName,
		TargetName:   n.targetName,
		Content:      n.content,
		Type:         n.memType,
		Meta:         maps.Clone(n.meta),
		Status:       n.status,
		ObsReflected: n.reflected,
		ObsUpdated:   n.updated,
		Timestamp:    n.timestamp,
		DT:           n.dt,
		Vector:       slices.Clone(n.vector),
		ScoreSimilar: n.scoreSimilar,
	}
}

func (n *MemoryNode) ID() string { return n.id }

func (n *MemoryNode) UserName() string { return n.userName }

func (n *MemoryNode) TargetName() string { return n.targetName }

func (n *MemoryNode) Type() MemoryType { return n.memType }

func (n *MemoryNode) Timestamp() time.Time { return n.timestamp }

func (n *MemoryNode) DT() string { return n.dt }

func (n *MemoryNode) Content() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.content
}

// NormalizedContent is the dedup key: content with surrounding space trimmed.
func (n *MemoryNode) NormalizedContent() string {
	return strings.TrimSpace(n.Content())
}

func (n *MemoryNode) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *MemoryNode) Meta(key string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.meta[key]
}

func (n *MemoryNode) MetaMap() map[string]string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return maps.Clone(n.meta)
}

func (n *MemoryNode) ObsReflected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reflected
}

func (n *MemoryNode) ObsUpdated() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.updated
}

func (n *MemoryNode) Vector() []float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.vector)
}

func (n *MemoryNode) ScoreSimilar() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.scoreSimilar
}

func (n *MemoryNode) ScoreRank() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.scoreRank
}

func (n *MemoryNode) ScoreRerank() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.scoreRerank
}

// Scores are per-query and never change status.

func (n *MemoryNode) SetScoreSimilar(v float64) {
	n.mu.Lock()
	n.scoreSimilar = v
	n.mu.Unlock()
}

func (n *MemoryNode) SetScoreRank(v float64) {
	n.mu.Lock()
	n.scoreRank = v
	n.mu.Unlock()
}

func (n *MemoryNode) SetScoreRerank(v float64) {
	n.mu.Lock()
	n.scoreRerank = v
	n.mu.Unlock()
}

// SetContent rewrites the node's text. An active or modified node becomes
// content_modified; a new node stays new.
func (n *MemoryNode) SetContent(content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusExpired {
		return fmt.Errorf("set content %s: %w", n.id, ErrExpired)
	}
	if n.content == content {
		return nil
	}
	n.content = content
	if n.status == StatusActive || n.status == StatusModified {
		n.status = StatusContentModified
	}
	return nil
}

// SetMeta edits one metadata entry without touching content.
func (n *MemoryNode) SetMeta(key, value string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusExpired {
		return fmt.Errorf("set meta %s: %w", n.id, ErrExpired)
	}
	if cur, ok := n.meta[key]; ok && cur == value {
		return nil
	}
	if n.meta == nil {
		n.meta = map[string]string{}
	}
	n.meta[key] = value
	n.touchLocked()
	return nil
}

// MarkReflected records that the observation was considered for insights.
func (n *MemoryNode) MarkReflected() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusExpired {
		return fmt.Errorf("mark reflected %s: %w", n.id, ErrExpired)
	}
	if n.reflected {
		return nil
	}
	n.reflected = true
	n.touchLocked()
	return nil
}

// MarkUpdated records that the observation has fed an insight or profile.
func (n *MemoryNode) MarkUpdated() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusExpired {
		return fmt.Errorf("mark updated %s: %w", n.id, ErrExpired)
	}
	if n.updated {
		return nil
	}
	n.updated = true
	n.touchLocked()
	return nil
}

// touchLocked applies a metadata-only edit to the status.
func (n *MemoryNode) touchLocked() {
	if n.status == StatusActive {
		n.status = StatusModified
	}
}

// Expire marks the node superseded. Expiring twice is a no-op.
func (n *MemoryNode) Expire() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == StatusExpired {
		return nil
	}
	if !CanTransition(n.status, StatusExpired) {
		return fmt.Errorf("expire %s from %s: %w", n.id, n.status, ErrInvalidStatus)
	}
	n.status = StatusExpired
	return nil
}

// PendingAction is what a commit would issue right now.
func (n *MemoryNode) PendingAction() Action {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.pendingLocked()
}

func (n *MemoryNode) pendingLocked() Action {
	if n.purged {
		return ActionNone
	}
	return ActionFor(n.status)
}

// Commit is the only way a node reaches a terminal status. persist receives
// a record already carrying the terminal status (active, or expired for a
// delete) and may fill rec.Vector. The node adopts that status and vector
// only when persist succeeds; on error it stays pending.
func (n *MemoryNode) Commit(persist func(Action, *Record) error) (Action, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	action := n.pendingLocked()
	if action == ActionNone {
		return ActionNone, nil
	}

	rec := n.recordLocked()
	rec.Status = StatusActive
	if action == ActionDelete {
		rec.Status = StatusExpired
	}
	if err := persist(action, &rec); err != nil {
		return action, err
	}

	if rec.Status == StatusExpired {
		n.purged = true
	} else {
		n.status = StatusActive
		n.vector = rec.Vector
	}
	return action, nil
}
