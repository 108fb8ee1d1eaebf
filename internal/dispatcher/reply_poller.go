package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"trafficengine/internal/accountstore"
	"trafficengine/internal/config"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/internal/strategy"
	"trafficengine/internal/telegramclient"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const outcomePendingQueue = "dispatcher.outcome_pending"

const (
	rewardReply    = 1.0
	rewardReaction = 0.5
	rewardNone     = 0.0
)

// OutcomeConsumer is the narrow capability the poller needs to drain the
// outcome_pending stream; *messaging.RabbitMQ satisfies it.
type OutcomeConsumer interface {
	ConsumeWithHandler(ctx context.Context, queueName, consumerName string, handler func([]byte) error) error
}

// ReplyFetcher is the narrow transport capability the poller needs;
// *session.Registry satisfies it.
type ReplyFetcher interface {
	FetchReplies(ctx context.Context, accountID primitive.ObjectID, channel string, postID int64, since time.Time) ([]telegramclient.Reply, error)
}

// ReplyPoller is the Reply Poller: it drains outcome_pending events at
// their poll_at time, measures the reward a published comment earned
// over its outcome window, and feeds it back into the Strategy Oracle.
type ReplyPoller struct {
	accounts *accountstore.Store
	actions  repository.ActionRepository
	session  ReplyFetcher
	oracle   *strategy.Oracle
	metrics  *metrics.Metrics
	cfg      *config.Config
	logger   logger.Logger
}

func NewReplyPoller(accounts *accountstore.Store, actions repository.ActionRepository, session ReplyFetcher, oracle *strategy.Oracle, m *metrics.Metrics, cfg *config.Config, log logger.Logger) *ReplyPoller {
	return &ReplyPoller{accounts: accounts, actions: actions, session: session, oracle: oracle, metrics: m, cfg: cfg, logger: log}
}

// Consume drains the outcome_pending stream, sleeping each delivery until
// its poll_at before handling it so the outcome window has actually
// closed by the time replies are fetched.
func (p *ReplyPoller) Consume(ctx context.Context, consumer OutcomeConsumer) error {
	return consumer.ConsumeWithHandler(ctx, outcomePendingQueue, "reply-poller", func(body []byte) error {
		var event OutcomePendingEvent
		if err := json.Unmarshal(body, &event); err != nil {
			p.logger.Error("failed to unmarshal outcome pending event", logger.Field{Key: "error", Value: err.Error()})
			return err
		}
		if wait := time.Until(event.PollAt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return p.HandleOutcomePending(ctx, event)
	})
}

// HandleOutcomePending reads the action record, counts replies and
// reactions targeting its comment over the outcome window, applies the
// outcome, and updates the oracle. ApplyOutcome's reward_applied_at
// guard makes this idempotent against a redelivered event.
func (p *ReplyPoller) HandleOutcomePending(ctx context.Context, event OutcomePendingEvent) error {
	actionID, err := primitive.ObjectIDFromHex(event.ActionID)
	if err != nil {
		return fmt.Errorf("invalid action id %q: %w", event.ActionID, err)
	}
	accountID, err := primitive.ObjectIDFromHex(event.AccountID)
	if err != nil {
		return fmt.Errorf("invalid account id %q: %w", event.AccountID, err)
	}

	record, err := p.actions.GetByID(ctx, actionID)
	if err != nil {
		return fmt.Errorf("failed to load action record: %w", err)
	}

	since := record.FinishedAt
	replies, err := p.session.FetchReplies(ctx, accountID, event.Channel, event.CommentMessageID, since)
	if err != nil {
		return fmt.Errorf("failed to fetch replies: %w", err)
	}

	gotReply := false
	replyCount := 0
	reward := rewardNone
	for _, reply := range replies {
		if reply.IsReaction {
			if !p.cfg.Strategy.CountSelfReactions && reply.FromUserID == record.AccountID.Hex() {
				continue
			}
			if reward < rewardReaction {
				reward = rewardReaction
			}
			continue
		}
		gotReply = true
		replyCount++
		reward = rewardReply
	}

	applied, err := p.actions.ApplyOutcome(ctx, actionID, gotReply, replyCount)
	if err != nil {
		return fmt.Errorf("failed to apply outcome: %w", err)
	}
	if !applied {
		return nil
	}

	account, err := p.accounts.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account for reward attribution: %w", err)
	}

	ctxKey := models.StrategyContext{
		Segment:         account.Segment,
		ChannelUsername: record.TargetRef,
		TimeSlot:        record.TimeSlot,
		PostTopic:       record.PostTopic,
	}
	if err := p.oracle.RecordOutcome(ctx, ctxKey, record.StrategyUsed, reward); err != nil {
		return fmt.Errorf("failed to record strategy outcome: %w", err)
	}
	p.metrics.RecordStrategyReward(string(record.StrategyUsed), reward)
	return nil
}
