package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// RateCounter is keyed by (account_id, action_kind, date) and is strictly
// monotonic within the day; it resets at the account's local midnight.
type RateCounter struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	AccountID primitive.ObjectID `bson:"account_id" json:"account_id"`
	Kind      ActionKind         `bson:"kind" json:"kind"`
	Date      string             `bson:"date" json:"date"` // YYYY-MM-DD in the account's timezone
	Count     int                `bson:"count" json:"count"`
	UpdatedAt time.Time          `bson:"updated_at" json:"updated_at"`
}
