package service

import (
	"sort"
	"sync"
	"time"

	"github.com/rcliao/memoryscope/internal/model"
)

// buffer holds the chat turns awaiting consolidation, sorted by creation
// time and capped at the newest max entries. It has its own lock, always
// taken before any pipeline context lock.
type buffer struct {
	mu   sync.Mutex
	msgs []*model.Message
	max  int
	now  func() time.Time
}

func newBuffer(max int, now func() time.Time) *buffer {
	if max <= 0 {
		max = 10
	}
	return &buffer{max: max, now: now}
}

// add appends msgs, then keeps the newest max in time order.
func (b *buffer) add(msgs ...model.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		c := m.Clone()
		if c.ID == "" {
			c.ID = model.NewID()
		}
		if c.TimeCreated == 0 {
			c.TimeCreated = b.now().Unix()
		}
		b.msgs = append(b.msgs, &c)
	}
	model.SortMessages(b.msgs)
	b.msgs = truncate(b.msgs, b.max)
}

// snapshot copies every buffered turn.
func (b *buffer) snapshot() []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Message, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Clone()
	}
	return out
}

// pending copies the turns not yet memorized.
func (b *buffer) pending() []model.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked()
}

func (b *buffer) pendingLocked() []model.Message {
	var out []model.Message
	for _, m := range b.msgs {
		if !m.Memorized {
			out = append(out, m.Clone())
		}
	}
	return out
}

func (b *buffer) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.msgs {
		if !m.Memorized {
			n++
		}
	}
	return n
}

// markLocked flags the turns with the given ids as memorized.
func (b *buffer) markLocked(ids map[string]bool) {
	for _, m := range b.msgs {
		if ids[m.ID] {
			m.Memorized = true
		}
	}
}

// truncate keeps the last n items.
func truncate[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return append(s[:0:0], s[len(s)-n:]...)
}

// window merges the rolling history with the batch, dropping history
// entries the batch repeats, in time order.
func window(history, batch []model.Message) []model.Message {
	inBatch := make(map[string]bool, len(batch))
	for _, m := range batch {
		inBatch[m.ID] = true
	}
	out := make([]model.Message, 0, len(history)+len(batch))
	for _, m := range history {
		if !inBatch[m.ID] {
			out = append(out, m)
		}
	}
	out = append(out, batch...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeCreated < out[j].TimeCreated })
	return out
}
