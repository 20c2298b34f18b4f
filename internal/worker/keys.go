package worker

import (
	"time"

	"github.com/rcliao/memoryscope/internal/model"
	"github.com/rcliao/memoryscope/internal/pipeline"
	"github.com/rcliao/memoryscope/internal/temporal"
)

// Context keys shared by the workers and the service.
var (
	QueryKey      = pipeline.NewKey[string]("query")
	QueryTimeKey  = pipeline.NewKey[time.Time]("query_time")
	TimeFilterKey = pipeline.NewKey[temporal.Filter]("time_filter")
	MessagesKey   = pipeline.NewKey[[]model.Message]("chat_messages")
	SnippetsKey   = pipeline.NewKey[[]Snippet]("filtered_messages")
	CommitKey     = pipeline.NewKey[CommitSummary]("commit_stats")
)

// Snippet is a scored piece of a user turn kept by info_filter.
type Snippet struct {
	MessageID string
	Text      string
	Time      time.Time
	Score     int
}

// CommitSummary accumulates what update_memory wrote during a run.
type CommitSummary struct {
	Inserted int
	Updated  int
	Deleted  int
	Failed   int
}

// Memory handler keys used by the default configuration.
const (
	HandlerRetrieved      = "retrieved"
	HandlerProfile        = "profile"
	HandlerConversation   = "conversation"
	HandlerRanked         = "ranked"
	HandlerReranked       = "reranked"
	HandlerAll            = "all"
	HandlerNewObs         = "new_obs"
	HandlerRecentObs      = "recent_obs"
	HandlerNotReflected   = "not_reflected"
	HandlerNotUpdated     = "not_updated"
	HandlerInsight        = "insight"
	HandlerNewInsight     = "new_insight"
	HandlerUpdatedProfile = "updated_profile"
)
