package model

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newObs(content string) *MemoryNode {
	return NewMemoryNode(NodeParams{
		UserName:   "alice",
		TargetName: "alice",
		Content:    content,
		Type:       TypeObservation,
		Timestamp:  time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC),
	})
}

func commitOK(n *MemoryNode) (Action, error) {
	return n.Commit(func(Action, *Record) error { return nil })
}

func TestNewMemoryNode(t *testing.T) {
	t.Parallel()
	n := newObs("likes tea")

	assert.NotEmpty(t, n.ID())
	assert.Equal(t, StatusNew, n.Status())
	assert.Equal(t, "20240503", n.DT())
	assert.Equal(t, "2024", n.Meta(MetaYear))
	assert.Equal(t, "5", n.Meta(MetaMonth))
	assert.Equal(t, "Friday", n.Meta(MetaWeekday))
	assert.NotEqual(t, n.ID(), newObs("likes tea").ID())
}

func TestCommitNewBecomesActive(t *testing.T) {
	t.Parallel()
	n := newObs("likes tea")

	var seen []Action
	action, err := n.Commit(func(a Action, rec *Record) error {
		seen = append(seen, a)
		assert.Equal(t, StatusActive, rec.Status)
		rec.Vector = []float32{1, 0}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ActionInsert, action)
	assert.Equal(t, []Action{ActionInsert}, seen)
	assert.Equal(t, StatusActive, n.Status())
	assert.Equal(t, []float32{1, 0}, n.Vector())

	action, err = commitOK(n)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
}

func TestCommitFailureKeepsPendingStatus(t *testing.T) {
	t.Parallel()
	n := newObs("likes tea")

	_, err := n.Commit(func(Action, *Record) error { return errors.New("store down") })
	require.Error(t, err)
	assert.Equal(t, StatusNew, n.Status())
}

func TestEditsOnActiveNode(t *testing.T) {
	t.Parallel()

	meta := newObs("likes tea")
	_, _ = commitOK(meta)
	require.NoError(t, meta.MarkReflected())
	assert.Equal(t, StatusModified, meta.Status())
	assert.Equal(t, ActionUpdate, meta.PendingAction())

	content := newObs("likes tea")
	_, _ = commitOK(content)
	require.NoError(t, content.SetContent("likes green tea"))
	assert.Equal(t, StatusContentModified, content.Status())
	assert.Equal(t, ActionUpdateReembed, content.PendingAction())

	// content edit upgrades a metadata edit, never the reverse
	require.NoError(t, meta.SetContent("likes black tea"))
	assert.Equal(t, StatusContentModified, meta.Status())
	require.NoError(t, content.MarkUpdated())
	assert.Equal(t, StatusContentModified, content.Status())
}

func TestEditsOnNewNodeStayNew(t *testing.T) {
	t.Parallel()
	n := newObs("likes tea")

	require.NoError(t, n.SetContent("likes coffee"))
	require.NoError(t, n.SetMeta(MetaKeywords, "coffee"))
	assert.Equal(t, StatusNew, n.Status())
	assert.Equal(t, ActionInsert, n.PendingAction())
}

func TestExpireDeletesOnce(t *testing.T) {
	t.Parallel()
	n := newObs("likes tea")
	_, _ = commitOK(n)

	require.NoError(t, n.Expire())
	require.NoError(t, n.Expire())
	assert.Equal(t, StatusExpired, n.Status())

	action, err := commitOK(n)
	require.NoError(t, err)
	assert.Equal(t, ActionDelete, action)

	action, err = commitOK(n)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, action)
}

func TestExpiredRejectsEdits(t *testing.T) {
	t.Parallel()
	n := newObs("likes tea")
	require.NoError(t, n.Expire())

	assert.ErrorIs(t, n.SetContent("x"), ErrExpired)
	assert.ErrorIs(t, n.SetMeta("k", "v"), ErrExpired)
	assert.ErrorIs(t, n.MarkReflected(), ErrExpired)
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNew, StatusActive, true},
		{StatusContentModified, StatusActive, true},
		{StatusModified, StatusActive, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusNew, false},
		{StatusExpired, StatusActive, false},
		{StatusContentModified, StatusModified, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestFromRecordRecomputesDT(t *testing.T) {
	t.Parallel()
	ts := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	n, err := FromRecord(Record{ID: "x", Type: TypeInsight, Timestamp: ts, DT: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, "20230102", n.DT())
	assert.Equal(t, StatusActive, n.Status())

	_, err = FromRecord(Record{ID: "y", Type: "nope"})
	assert.Error(t, err)
}

func TestSortMessages(t *testing.T) {
	t.Parallel()
	base := time.Unix(1000, 0)
	a := NewMessage(RoleUser, "alice", "a", base.Add(2*time.Second))
	b := NewMessage(RoleUser, "alice", "b", base)
	c := NewMessage(RoleUser, "alice", "c", base.Add(2*time.Second))

	msgs := []*Message{a, b, c}
	SortMessages(msgs)
	assert.Equal(t, []string{"b", "a", "c"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
}
