package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ActionOutcome is the terminal state recorded for a dispatched action.
type ActionOutcome string

const (
	ActionOutcomeSuccess   ActionOutcome = "success"
	ActionOutcomeError     ActionOutcome = "error"
	ActionOutcomeFloodWait ActionOutcome = "flood_wait"
	ActionOutcomeBlocked   ActionOutcome = "blocked"
)

// ErrorKind is the closed taxonomy of action failures.
type ErrorKind string

const (
	ErrorKindTransientNetwork ErrorKind = "TransientNetwork"
	ErrorKindFloodWaitShort   ErrorKind = "FloodWaitShort"
	ErrorKindFloodWaitLong    ErrorKind = "FloodWaitLong"
	ErrorKindProxyFailure     ErrorKind = "ProxyFailure"
	ErrorKindRateLimitDenied  ErrorKind = "RateLimitDenied"
	ErrorKindPeerNotAccessible ErrorKind = "PeerNotAccessible"
	ErrorKindContentRejected  ErrorKind = "ContentRejected"
	ErrorKindAuthError        ErrorKind = "AuthError"
	ErrorKindBanned           ErrorKind = "Banned"
	ErrorKindConfigError      ErrorKind = "ConfigError"
	ErrorKindPersistenceError ErrorKind = "PersistenceError"
)

// ActionRecord is the append-only log entry for one dispatched action.
// Only outcome attribution (got_reply, reply_count) mutates it later.
type ActionRecord struct {
	ID               primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	AccountID        primitive.ObjectID  `bson:"account_id" json:"account_id"`
	Kind             ActionKind          `bson:"kind" json:"kind"`
	TargetRef        string              `bson:"target_ref" json:"target_ref"`
	StartedAt        time.Time           `bson:"started_at" json:"started_at"`
	FinishedAt       time.Time           `bson:"finished_at,omitempty" json:"finished_at,omitempty"`
	Outcome          ActionOutcome       `bson:"outcome" json:"outcome"`
	ErrorKind        ErrorKind           `bson:"error_kind,omitempty" json:"error_kind,omitempty"`
	CommentMessageID int64               `bson:"comment_message_id,omitempty" json:"comment_message_id,omitempty"`
	StrategyUsed     Strategy            `bson:"strategy_used,omitempty" json:"strategy_used,omitempty"`
	RelevanceScore   float64             `bson:"relevance_score,omitempty" json:"relevance_score,omitempty"`
	PostTopic        string              `bson:"post_topic,omitempty" json:"post_topic,omitempty"`
	TimeSlot         TimeSlot            `bson:"time_slot,omitempty" json:"time_slot,omitempty"`
	GotReply         bool                `bson:"got_reply" json:"got_reply"`
	ReplyCount       int                 `bson:"reply_count" json:"reply_count"`
	RewardAppliedAt  time.Time           `bson:"reward_applied_at,omitempty" json:"reward_applied_at,omitempty"`
}

// IsInFlight reports whether the record represents a started-but-not-yet
// finished action, used by restart recovery to reconcile crashed attempts.
func (a *ActionRecord) IsInFlight() bool {
	return !a.StartedAt.IsZero() && a.FinishedAt.IsZero()
}
