package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProxyKind mirrors the transport protocol of a proxy endpoint.
type ProxyKind string

const (
	ProxyKindSOCKS5 ProxyKind = "socks5"
	ProxyKindHTTP   ProxyKind = "http"
	ProxyKindMTProto ProxyKind = "mtproto"
)

// Proxy is an endpoint an account borrows exclusively. It accumulates
// consecutive_failures and is placed on an exponentially increasing
// cooldown after three of them.
type Proxy struct {
	ID                 primitive.ObjectID  `bson:"_id,omitempty" json:"id"`
	Endpoint           string              `bson:"endpoint" json:"endpoint"`
	Kind               ProxyKind           `bson:"kind" json:"kind"`
	Username           string              `bson:"username,encrypted,omitempty" json:"-"`
	Password           string              `bson:"password,encrypted,omitempty" json:"-"`
	InUseByAccount     *primitive.ObjectID `bson:"in_use_by_account_id,omitempty" json:"in_use_by_account_id,omitempty"`
	ConsecutiveFailures int                `bson:"consecutive_failures" json:"consecutive_failures"`
	CooldownUntil       time.Time          `bson:"cooldown_until,omitempty" json:"cooldown_until,omitempty"`
	LastFailedAt        time.Time          `bson:"last_failed_at,omitempty" json:"last_failed_at,omitempty"`
	CreatedAt           time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time          `bson:"updated_at" json:"updated_at"`
}

// IsAvailable reports whether the proxy can be acquired right now.
func (p *Proxy) IsAvailable(now time.Time) bool {
	return p.InUseByAccount == nil && !p.CooldownUntil.After(now)
}
