package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// TargetChannel is a third-party channel being monitored for comment
// candidates. Shared across many accounts; per-post exclusivity is
// enforced separately via PostObservation.claimed_by.
type TargetChannel struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username  string             `bson:"username" json:"username"`
	Segment   Segment            `bson:"segment" json:"segment"`
	JoinedAt  time.Time          `bson:"joined_at,omitempty" json:"joined_at,omitempty"`
	Active    bool               `bson:"active" json:"active"`
	AntiBot   bool               `bson:"anti_bot" json:"anti_bot"`
	CreatedAt time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}

// PostObservation is a deduplicated sighting of a channel post. The
// claimed_by slot enforces one-commenter-per-post via an atomic CAS.
type PostObservation struct {
	ID              primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	Channel         string              `bson:"channel" json:"channel"`
	TelegramMsgID   int64               `bson:"telegram_message_id" json:"telegram_message_id"`
	SeenAt          time.Time           `bson:"seen_at" json:"seen_at"`
	TopicTag        string              `bson:"topic_tag,omitempty" json:"topic_tag,omitempty"`
	ClaimedByAccount *primitive.ObjectID `bson:"claimed_by_account_id,omitempty" json:"claimed_by_account_id,omitempty"`
	ClaimedAt       time.Time           `bson:"claimed_at,omitempty" json:"claimed_at,omitempty"`
}

// IsClaimable reports whether the post is still eligible for a claim
// attempt, given the configured claim horizon.
func (p *PostObservation) IsClaimable(now time.Time, horizon time.Duration) bool {
	if p.ClaimedByAccount != nil {
		return false
	}
	return now.Sub(p.SeenAt) <= horizon
}
