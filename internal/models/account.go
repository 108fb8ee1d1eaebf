package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AccountStatus is the account lifecycle state.
type AccountStatus string

const (
	AccountStatusNew     AccountStatus = "new"
	AccountStatusWarming AccountStatus = "warming"
	AccountStatusActive  AccountStatus = "active"
	AccountStatusPaused  AccountStatus = "paused"
	AccountStatusBanned  AccountStatus = "banned"
	AccountStatusBackup  AccountStatus = "backup"
)

// Segment is the audience cohort tag shared by accounts, channels, and content.
type Segment string

const (
	SegmentZozh      Segment = "zozh"
	SegmentMama      Segment = "mama"
	SegmentBusiness  Segment = "business"
	SegmentStudent   Segment = "student"
	SegmentUniversal Segment = "universal"
)

// AllSegments is the fixed audience cohort set, used by startup code that
// must enumerate every segment rather than query for one.
var AllSegments = []Segment{SegmentZozh, SegmentMama, SegmentBusiness, SegmentStudent, SegmentUniversal}

// SpamVerdict is the result of the last check_spam_status call.
type SpamVerdict string

const (
	SpamVerdictOK      SpamVerdict = "ok"
	SpamVerdictLimited SpamVerdict = "limited"
	SpamVerdictBanned  SpamVerdict = "banned"
)

// Account is one fleet member: a phone identity with a session blob, a
// warmup cursor, and a current proxy assignment. SessionBlob is stored as
// given; AccountRepository does not encrypt it.
type Account struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	PhoneIdentifier  string             `bson:"phone_identifier" json:"phone_identifier"`
	SessionBlob      string             `bson:"session_blob,encrypted" json:"-"`
	Segment          Segment            `bson:"segment" json:"segment"`
	PersonaFirstName string             `bson:"persona_first_name" json:"persona_first_name"`
	PersonaLastName  string             `bson:"persona_last_name" json:"persona_last_name"`
	PersonaBio       string             `bson:"persona_bio,omitempty" json:"persona_bio,omitempty"`
	ProxyID          primitive.ObjectID `bson:"proxy_id,omitempty" json:"proxy_id,omitempty"`
	LinkedChannelID  string             `bson:"linked_channel_id,omitempty" json:"linked_channel_id,omitempty"`
	Status           AccountStatus      `bson:"status" json:"status"`
	Phase            int                `bson:"phase" json:"phase"`
	DayInPhase       int                `bson:"day_in_phase" json:"day_in_phase"`
	WarmupCompleted  bool               `bson:"warmup_completed" json:"warmup_completed"`
	Timezone         string             `bson:"timezone" json:"timezone"`
	QuietHoursStart  *int               `bson:"quiet_hours_start,omitempty" json:"quiet_hours_start,omitempty"`
	QuietHoursEnd    *int               `bson:"quiet_hours_end,omitempty" json:"quiet_hours_end,omitempty"`
	LastActivityAt   time.Time          `bson:"last_activity_at,omitempty" json:"last_activity_at,omitempty"`
	BanReason        string             `bson:"ban_reason,omitempty" json:"ban_reason,omitempty"`
	SpamVerdict       SpamVerdict       `bson:"spam_verdict,omitempty" json:"spam_verdict,omitempty"`
	SpamCheckedAt     time.Time         `bson:"spam_checked_at,omitempty" json:"spam_checked_at,omitempty"`
	CooldownUntil     time.Time         `bson:"cooldown_until,omitempty" json:"cooldown_until,omitempty"`
	CreatedAt         time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time         `bson:"updated_at" json:"updated_at"`
}

// ActionKind is the closed set of dispatcher-eligible action types.
type ActionKind string

const (
	ActionKindComment    ActionKind = "comment"
	ActionKindReaction   ActionKind = "reaction"
	ActionKindSubscribe  ActionKind = "subscribe"
	ActionKindStoryView  ActionKind = "story_view"
	ActionKindStoryReact ActionKind = "story_react"
	ActionKindMessage    ActionKind = "message"
	ActionKindPost       ActionKind = "post"
)

// WarmupDailyLimit is immutable reference data keyed by (phase, day_in_phase).
type WarmupDailyLimit struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Phase            int                `bson:"phase" json:"phase"`
	DayInPhase       int                `bson:"day_in_phase" json:"day_in_phase"`
	MaxMessages      int                `bson:"max_messages" json:"max_messages"`
	MaxReactions     int                `bson:"max_reactions" json:"max_reactions"`
	MaxSubscriptions int                `bson:"max_subscriptions" json:"max_subscriptions"`
	MaxComments      int                `bson:"max_comments" json:"max_comments"`
	MaxPosts         int                `bson:"max_posts" json:"max_posts"`
	MinDelaySeconds  int                `bson:"min_delay_seconds" json:"min_delay_seconds"`
	MaxDelaySeconds  int                `bson:"max_delay_seconds" json:"max_delay_seconds"`
	Description      string             `bson:"description,omitempty" json:"description,omitempty"`
}

// MaxFor returns the configured ceiling for kind, or 0 for a kind outside
// the closed set. Story views and story reactions have no column of their
// own and share the reaction ceiling.
func (w *WarmupDailyLimit) MaxFor(kind ActionKind) int {
	switch kind {
	case ActionKindMessage:
		return w.MaxMessages
	case ActionKindReaction, ActionKindStoryReact:
		return w.MaxReactions
	case ActionKindSubscribe:
		return w.MaxSubscriptions
	case ActionKindComment:
		return w.MaxComments
	case ActionKindPost:
		return w.MaxPosts
	case ActionKindStoryView:
		return w.MaxReactions
	default:
		return 0
	}
}

const WarmupPhaseCount = 4
