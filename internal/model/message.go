package model

import (
	"maps"
	"sort"
	"time"
)

// Role is the speaker of a chat turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single chat turn.
type Message struct {
	ID          string            `json:"id"`
	Role        Role              `json:"role"`
	RoleName    string            `json:"role_name"`
	Content     string            `json:"content"`
	TimeCreated int64             `json:"time_created"`
	Memorized   bool              `json:"memorized"`
	Meta        map[string]string `json:"meta_data,omitempty"`
}

// NewMessage creates a turn stamped at the given time (zero means now).
func NewMessage(role Role, roleName, content string, at time.Time) *Message {
	if at.IsZero() {
		at = time.Now()
	}
	return &Message{
		ID:          NewID(),
		Role:        role,
		RoleName:    roleName,
		Content:     content,
		TimeCreated: at.Unix(),
	}
}

// Time returns TimeCreated as a time.Time.
func (m Message) Time() time.Time {
	return time.Unix(m.TimeCreated, 0)
}

// Clone returns a value copy safe to hand to another goroutine.
func (m *Message) Clone() Message {
	c := *m
	c.Meta = maps.Clone(m.Meta)
	return c
}

// SortMessages orders msgs by TimeCreated, keeping insertion order for ties.
func SortMessages(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].TimeCreated < msgs[j].TimeCreated
	})
}
