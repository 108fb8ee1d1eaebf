// Package funnel runs the Invite/Funnel Manager: it publishes invite
// teaser posts into public channels, sweeps expired invite links and
// their teaser posts, and attributes VIP-channel joins to the invite
// that produced them.
package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/internal/telegramclient"
	"trafficengine/internal/textgen"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// membershipUpdateQueue is the queue bound to funnel.events/membership.updated
// by (*messaging.RabbitMQ).SetupEngineTopology.
const membershipUpdateQueue = "funnel.membership_update"

// MembershipConsumer is the narrow capability the manager needs to drain
// the membership update stream; *messaging.RabbitMQ satisfies it.
type MembershipConsumer interface {
	ConsumeWithHandler(ctx context.Context, queueName, consumerName string, handler func([]byte) error) error
}

// TeaserPublisher is the narrow transport capability the manager needs;
// *session.Registry satisfies it.
type TeaserPublisher interface {
	CreateInviteLink(ctx context.Context, accountID primitive.ObjectID, channel string, expire time.Time, limit int) (*telegramclient.Invite, error)
	PublishPost(ctx context.Context, accountID primitive.ObjectID, channel, text string) (int64, error)
	DeleteMessage(ctx context.Context, accountID primitive.ObjectID, channel string, messageID int64) error
}

// MembershipUpdateEvent is the wire shape consumed off the membership
// update stream; it carries enough of the Telegram join notification to
// attribute the join to the invite link that produced it.
type MembershipUpdateEvent struct {
	ChannelUsername string    `json:"channel_username"`
	UserID          string    `json:"user_id"`
	InviteHash      string    `json:"invite_hash"`
	JoinedAt        time.Time `json:"joined_at"`
}

// Manager is the Funnel & Invite Manager.
type Manager struct {
	invites     repository.InviteRepository
	conversions repository.ConversionRepository
	publisher   TeaserPublisher
	gen         textgen.Generator
	metrics     *metrics.Metrics
	cfg         *config.Config
	logger      logger.Logger
}

func New(invites repository.InviteRepository, conversions repository.ConversionRepository, publisher TeaserPublisher, gen textgen.Generator, m *metrics.Metrics, cfg *config.Config, log logger.Logger) *Manager {
	return &Manager{invites: invites, conversions: conversions, publisher: publisher, gen: gen, metrics: m, cfg: cfg, logger: log}
}

// teaserRef encodes where a published teaser post lives, so the sweep can
// later find and delete it without a separate lookup table.
func teaserRef(channel string, messageID int64) string {
	return fmt.Sprintf("%s:%d", channel, messageID)
}

func parseTeaserRef(ref string) (channel string, messageID int64, ok bool) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], id, true
}

// PublishTeaser creates a fresh time-limited invite to vipChannel, posts a
// teaser for it in publicChannel through accountID's session, and schedules
// the teaser post for deletion at the invite's expiry.
func (m *Manager) PublishTeaser(ctx context.Context, accountID primitive.ObjectID, publicChannel, vipChannel string, segment models.Segment) (*models.InviteLink, error) {
	expire := time.Now().Add(time.Duration(m.cfg.Invite.DefaultExpireHours) * time.Hour)
	limit := m.cfg.Invite.DefaultUsageLimit

	invite, err := m.publisher.CreateInviteLink(ctx, accountID, vipChannel, expire, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to create invite link: %w", err)
	}

	text, err := m.gen.Generate(ctx, textgen.KindInviteTeaser, textgen.GenContext{Segment: segment, Topic: vipChannel})
	if err != nil {
		return nil, fmt.Errorf("failed to generate teaser copy: %w", err)
	}

	messageID, err := m.publisher.PublishPost(ctx, accountID, publicChannel, text)
	if err != nil {
		return nil, fmt.Errorf("failed to publish teaser post: %w", err)
	}

	link := &models.InviteLink{
		PublishedBy:     accountID,
		TargetChannelID: vipChannel,
		InviteURL:       invite.URL,
		InviteHash:      invite.Hash,
		TeaserPostRef:   teaserRef(publicChannel, messageID),
		ExpireDate:      expire,
		AutoDeleteAt:    expire,
		UsageLimit:      limit,
	}
	if err := m.invites.Create(ctx, link); err != nil {
		return nil, fmt.Errorf("failed to persist invite link: %w", err)
	}
	m.metrics.InvitesPublished.Inc()
	return link, nil
}

// Run drives the per-minute sweep until ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.Invite.SweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Sweep(ctx)
	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep expires invites past their expire_date and deletes teaser posts
// past their auto_delete_at, so no invite ever outlives expire_date in
// active status.
func (m *Manager) Sweep(ctx context.Context) {
	now := time.Now()

	expiring, err := m.invites.GetActiveExpiring(ctx, now)
	if err != nil {
		m.logger.Error("failed to list expiring invites", logger.Field{Key: "error", Value: err.Error()})
	} else {
		for _, invite := range expiring {
			if err := m.invites.Expire(ctx, invite.ID); err != nil {
				m.logger.Error("failed to expire invite", logger.Field{Key: "invite_id", Value: invite.ID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
			}
		}
	}

	pastDelete, err := m.invites.GetPastAutoDelete(ctx, now)
	if err != nil {
		m.logger.Error("failed to list invites past auto-delete", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	for _, invite := range pastDelete {
		channel, messageID, ok := parseTeaserRef(invite.TeaserPostRef)
		if !ok {
			continue
		}
		if err := m.publisher.DeleteMessage(ctx, invite.PublishedBy, channel, messageID); err != nil {
			m.logger.Error("failed to delete teaser post", logger.Field{Key: "invite_id", Value: invite.ID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		if err := m.invites.MarkAutoDeleted(ctx, invite.ID); err != nil {
			m.logger.Error("failed to mark invite auto-deleted", logger.Field{Key: "invite_id", Value: invite.ID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
		}
	}
}

// HandleMembershipUpdate attributes one VIP-channel join to the most
// recent active invite link whose hash matches, producing a
// FunnelConversion. A join whose hash no longer resolves to an active
// invite (expired, revoked, exhausted, or unknown) is dropped rather than
// attributed, since every FunnelConversion must reference an invite that
// existed and was active at joined_at.
func (m *Manager) HandleMembershipUpdate(ctx context.Context, event MembershipUpdateEvent) error {
	invite, err := m.invites.GetByHash(ctx, event.InviteHash)
	if err != nil {
		return fmt.Errorf("failed to look up invite by hash: %w", err)
	}
	if invite == nil {
		m.logger.Warn("membership update referenced unknown invite hash", logger.Field{Key: "invite_hash", Value: event.InviteHash})
		return nil
	}
	if !invite.IsActiveAt(event.JoinedAt) {
		m.logger.Warn("membership update referenced inactive invite", logger.Field{Key: "invite_hash", Value: event.InviteHash})
		return nil
	}

	won, err := m.invites.RecordJoin(ctx, invite.ID)
	if err != nil {
		return fmt.Errorf("failed to record invite join: %w", err)
	}
	if !won {
		return nil
	}

	conversion := &models.FunnelConversion{
		UserID:          event.UserID,
		InviteLinkID:    invite.ID,
		SourceChannelID: event.ChannelUsername,
		JoinedAt:        event.JoinedAt,
		Status:          models.ConversionStatusPending,
	}
	if err := m.conversions.Create(ctx, conversion); err != nil {
		return fmt.Errorf("failed to create funnel conversion: %w", err)
	}
	m.metrics.RecordFunnelConversion(string(models.ConversionStatusPending))
	return nil
}

// ConsumeMemberships drains the membership update stream, translating each
// delivery into a HandleMembershipUpdate call, the same
// consumer-to-domain-event shape used for the rest of the engine's queues.
func (m *Manager) ConsumeMemberships(ctx context.Context, consumer MembershipConsumer) error {
	return consumer.ConsumeWithHandler(ctx, membershipUpdateQueue, "funnel-membership-consumer", func(body []byte) error {
		var event MembershipUpdateEvent
		if err := json.Unmarshal(body, &event); err != nil {
			m.logger.Error("failed to unmarshal membership update", logger.Field{Key: "error", Value: err.Error()})
			return err
		}
		return m.HandleMembershipUpdate(ctx, event)
	})
}

// VerifyConversion records the result of the separate async NL-partner
// check, flipping verified_as_partner once it's known.
func (m *Manager) VerifyConversion(ctx context.Context, conversionID primitive.ObjectID, verified bool) error {
	if err := m.conversions.SetVerified(ctx, conversionID, verified); err != nil {
		return fmt.Errorf("failed to set conversion verification: %w", err)
	}
	return nil
}
