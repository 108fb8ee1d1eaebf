package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// InviteStatus is the lifecycle state of a time-limited invite link.
type InviteStatus string

const (
	InviteStatusActive   InviteStatus = "active"
	InviteStatusExpired  InviteStatus = "expired"
	InviteStatusRevoked  InviteStatus = "revoked"
	InviteStatusExhausted InviteStatus = "exhausted"
)

// InviteLink is a short-lived, usage-capped invite to a gated VIP channel,
// published via an invite teaser post in a public channel.
type InviteLink struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	PublishedBy     primitive.ObjectID `bson:"published_by,omitempty" json:"published_by,omitempty"`
	TargetChannelID string             `bson:"target_channel_id" json:"target_channel_id"`
	InviteURL       string             `bson:"invite_url" json:"invite_url"`
	InviteHash      string             `bson:"invite_hash" json:"invite_hash"`
	TeaserPostRef   string             `bson:"teaser_post_ref,omitempty" json:"teaser_post_ref,omitempty"`
	ExpireDate      time.Time          `bson:"expire_date" json:"expire_date"`
	AutoDeleteAt    time.Time          `bson:"auto_delete_at,omitempty" json:"auto_delete_at,omitempty"`
	UsageLimit      int                `bson:"usage_limit" json:"usage_limit"`
	Status          InviteStatus       `bson:"status" json:"status"`
	TotalUses       int                `bson:"total_uses" json:"total_uses"`
	TotalJoins      int                `bson:"total_joins" json:"total_joins"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updated_at"`
}

// IsActiveAt reports whether the link was active (not expired, not past
// usage limit, not revoked) at the given instant.
func (l *InviteLink) IsActiveAt(at time.Time) bool {
	return l.Status == InviteStatusActive && l.ExpireDate.After(at) && l.TotalUses < l.UsageLimit
}

// ConversionStatus tracks the attribution lifecycle of a funnel join.
type ConversionStatus string

const (
	ConversionStatusPending  ConversionStatus = "pending"
	ConversionStatusVerified ConversionStatus = "verified"
	ConversionStatusRejected ConversionStatus = "rejected"
)

// FunnelConversion records attribution of one VIP-channel join to the
// invite link that produced it.
type FunnelConversion struct {
	ID                 primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID              string             `bson:"user_id" json:"user_id"`
	InviteLinkID        primitive.ObjectID `bson:"invite_link_id" json:"invite_link_id"`
	SourceChannelID      string             `bson:"source_channel_id" json:"source_channel_id"`
	JoinedAt             time.Time          `bson:"joined_at" json:"joined_at"`
	VerifiedAsPartner    *bool              `bson:"verified_as_partner,omitempty" json:"verified_as_partner,omitempty"`
	Status               ConversionStatus   `bson:"status" json:"status"`
	CreatedAt            time.Time          `bson:"created_at" json:"created_at"`
}
