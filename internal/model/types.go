// Package model defines the memory node, its status state machine and chat messages.
package model

import "errors"

var (
	// ErrExpired is returned when editing a node that has already been expired.
	ErrExpired = errors.New("memory node expired")
	// ErrInvalidStatus is returned for a backward or unknown status transition.
	ErrInvalidStatus = errors.New("invalid status transition")
)

// MemoryType classifies what a node holds.
type MemoryType string

const (
	TypeConversation      MemoryType = "conversation"
	TypeObservation       MemoryType = "observation"
	TypeInsight           MemoryType = "insight"
	TypeProfile           MemoryType = "profile"
	TypeObsCustomized     MemoryType = "obs_customized"
	TypeProfileCustomized MemoryType = "profile_customized"
)

// ValidTypes are the accepted memory types.
var ValidTypes = map[MemoryType]bool{
	TypeConversation:      true,
	TypeObservation:       true,
	TypeInsight:           true,
	TypeProfile:           true,
	TypeObsCustomized:     true,
	TypeProfileCustomized: true,
}

// ParseType validates s as a MemoryType.
func ParseType(s string) (MemoryType, error) {
	t := MemoryType(s)
	if !ValidTypes[t] {
		return "", errors.New("unknown memory type: " + s)
	}
	return t, nil
}

// Status drives which store action a commit issues.
type Status string

const (
	StatusNew             Status = "new"
	StatusModified        Status = "modified"
	StatusContentModified Status = "content_modified"
	StatusActive          Status = "active"
	StatusExpired         Status = "expired"
)

// transitions lists the forward moves allowed from each status.
var transitions = map[Status][]Status{
	StatusNew:             {StatusActive, StatusExpired},
	StatusActive:          {StatusModified, StatusContentModified, StatusExpired},
	StatusModified:        {StatusActive, StatusContentModified, StatusExpired},
	StatusContentModified: {StatusActive, StatusExpired},
}

// CanTransition reports whether from -> to is a forward move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Action is the store operation a commit issues for a node.
type Action int

const (
	ActionNone Action = iota
	ActionInsert
	ActionUpdateReembed
	ActionUpdate
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdateReembed:
		return "update_reembed"
	case ActionUpdate:
		return "update"
	case ActionDelete:
		return "delete"
	default:
		return "none"
	}
}

// NeedsEmbedding reports whether the action must compute a fresh vector.
func (a Action) NeedsEmbedding() bool {
	return a == ActionInsert || a == ActionUpdateReembed
}

// ActionFor maps a pending status to its store action.
func ActionFor(s Status) Action {
	switch s {
	case StatusNew:
		return ActionInsert
	case StatusContentModified:
		return ActionUpdateReembed
	case StatusModified:
		return ActionUpdate
	case StatusExpired:
		return ActionDelete
	default:
		return ActionNone
	}
}

// Meta keys shared by workers and stores.
const (
	MetaKeywords     = "keywords"
	MetaKey          = "key"
	MetaValue        = "value"
	MetaIsUnique     = "is_unique"
	MetaIsMutable    = "is_mutable"
	MetaSourceID     = "source_message_id"
	MetaYear         = "year"
	MetaMonth        = "month"
	MetaDay          = "day"
	MetaHour         = "hour"
	MetaWeekday      = "weekday"
	MetaEventYear    = "event_year"
	MetaEventMonth   = "event_month"
	MetaEventDay     = "event_day"
	MetaEventWeekday = "event_weekday"
)
