// Package dispatcher runs the per-account action fiber: on each cycle it
// picks an eligible action kind under the day's pace budget, acquires a
// target, clears the rate ledger, executes through the session registry,
// and commits an ActionRecord.
package dispatcher

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"trafficengine/internal/accountstore"
	"trafficengine/internal/config"
	"trafficengine/internal/ledger"
	"trafficengine/internal/metrics"
	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/internal/strategy"
	"trafficengine/internal/textgen"
	"trafficengine/internal/warmup"
	"trafficengine/pkg/logger"
	"trafficengine/pkg/messaging"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	dispatcherEventsExchange = "dispatcher.events"
	outcomePendingKey        = "outcome.pending"
)

// SessionExecutor is the narrow transport capability the dispatcher
// consumes; *session.Registry satisfies it.
type SessionExecutor interface {
	SendComment(ctx context.Context, accountID primitive.ObjectID, channel string, postID int64, text string) (int64, error)
	ViewStory(ctx context.Context, accountID primitive.ObjectID, owner string, storyID int64) error
	React(ctx context.Context, accountID primitive.ObjectID, target, emoji string) error
	Subscribe(ctx context.Context, accountID primitive.ObjectID, channel string) error
	SendDirect(ctx context.Context, accountID primitive.ObjectID, peer, text string) error
	PublishPost(ctx context.Context, accountID primitive.ObjectID, channel, text string) (int64, error)
}

// PostClaims is the narrow capability the dispatcher needs from the
// channel monitor; *channelmonitor.Monitor satisfies it.
type PostClaims interface {
	ListClaimable(ctx context.Context, channel string, limit int) ([]*models.PostObservation, error)
	Claim(ctx context.Context, post *models.PostObservation, accountID primitive.ObjectID) (bool, error)
}

// OutcomePendingEvent is published after a comment is sent, so the Reply
// Poller can attribute a reward once the outcome window closes.
type OutcomePendingEvent struct {
	ActionID         string    `json:"action_id"`
	AccountID        string    `json:"account_id"`
	Channel          string    `json:"channel"`
	CommentMessageID int64     `json:"comment_message_id"`
	PollAt           time.Time `json:"poll_at"`
}

var allKinds = []models.ActionKind{
	models.ActionKindComment,
	models.ActionKindReaction,
	models.ActionKindSubscribe,
	models.ActionKindStoryView,
	models.ActionKindStoryReact,
	models.ActionKindMessage,
	models.ActionKindPost,
}

type Dispatcher struct {
	accounts *accountstore.Store
	channels repository.ChannelRepository
	posts    PostClaims
	planner  *warmup.Planner
	ledger   ledger.Ledger
	oracle   *strategy.Oracle
	gen      textgen.Generator
	session  SessionExecutor
	actions  repository.ActionRepository
	pub      messaging.Publisher
	metrics  *metrics.Metrics
	cfg      *config.Config
	logger   logger.Logger
}

func New(
	accounts *accountstore.Store,
	channels repository.ChannelRepository,
	posts PostClaims,
	planner *warmup.Planner,
	l ledger.Ledger,
	oracle *strategy.Oracle,
	gen textgen.Generator,
	session SessionExecutor,
	actions repository.ActionRepository,
	pub messaging.Publisher,
	m *metrics.Metrics,
	cfg *config.Config,
	log logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		accounts: accounts, channels: channels, posts: posts, planner: planner,
		ledger: l, oracle: oracle, gen: gen, session: session, actions: actions,
		pub: pub, metrics: m, cfg: cfg, logger: log,
	}
}

// Run drives one account's fiber until ctx is canceled or the account
// leaves the {warming, active} status set (e.g. it was banned).
func (d *Dispatcher) Run(ctx context.Context, account *models.Account) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if account.Status != models.AccountStatusWarming && account.Status != models.AccountStatusActive {
			return
		}

		if remaining := time.Until(account.CooldownUntil); remaining > 0 {
			d.sleep(ctx, remaining)
			continue
		}

		if err := d.planner.AdvanceIfNewDay(ctx, account, time.Now()); err != nil {
			d.logger.Error("failed to advance warmup day", logger.Field{Key: "account_id", Value: account.ID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
		}

		budget, err := d.planner.BuildBudget(ctx, account)
		if err != nil {
			d.logger.Error("failed to build action budget", logger.Field{Key: "account_id", Value: account.ID.Hex()}, logger.Field{Key: "error", Value: err.Error()})
			d.sleep(ctx, time.Minute)
			continue
		}

		if inQuietWindow(budget.QuietHoursStart, budget.QuietHoursEnd, time.Now().In(d.planner.Timezone(account)).Hour()) {
			d.sleep(ctx, d.untilQuietEnd(account, budget))
			continue
		}

		executed, fatal := d.runCycle(ctx, account, budget)
		if fatal != nil {
			return
		}
		if !executed {
			d.sleep(ctx, time.Duration(budget.MinDelay))
		}
	}
}

func (d *Dispatcher) sleep(ctx context.Context, d2 time.Duration) {
	select {
	case <-time.After(d2):
	case <-ctx.Done():
	}
}

func (d *Dispatcher) untilQuietEnd(account *models.Account, budget *warmup.ActionBudget) time.Duration {
	now := time.Now().In(d.planner.Timezone(account))
	end := time.Date(now.Year(), now.Month(), now.Day(), budget.QuietHoursEnd, 0, 0, 0, now.Location())
	if !end.After(now) {
		end = end.Add(24 * time.Hour)
	}
	return end.Sub(now)
}

func inQuietHours(start, end, hour int) bool {
	if start == end {
		return false
	}
	if end < start {
		return hour >= start || hour < end
	}
	return hour >= start && hour < end
}

func inQuietWindow(start, end, hour int) bool {
	return inQuietHours(start, end, hour)
}

// runCycle executes at most one action. It returns (executed, fatalErr);
// a non-nil fatalErr (a ban) ends the caller's loop.
func (d *Dispatcher) runCycle(ctx context.Context, account *models.Account, budget *warmup.ActionBudget) (bool, error) {
	kind, ok := d.chooseKind(ctx, account, budget)
	if !ok {
		return false, nil
	}

	target, textOut, ok, err := d.acquireTarget(ctx, account, kind)
	if err != nil {
		d.logger.Error("failed to acquire target", logger.Field{Key: "kind", Value: string(kind)}, logger.Field{Key: "error", Value: err.Error()})
		return false, nil
	}
	if !ok {
		return false, nil
	}

	limit := d.cfg.EffectiveLimit(string(kind), budget.Quotas[kind])
	granted, err := d.ledger.TryIncrement(ctx, account.ID, kind, limit, d.planner.Timezone(account))
	if err != nil {
		d.logger.Error("failed to increment rate ledger", logger.Field{Key: "error", Value: err.Error()})
		return false, nil
	}
	if !granted {
		d.metrics.RecordLedgerDenied(string(kind))
		return false, nil
	}

	d.sleep(ctx, warmup.JitteredDelay(budget))

	record := &models.ActionRecord{
		AccountID: account.ID,
		Kind:      kind,
		TargetRef: target.ref,
		StartedAt: time.Now(),
		StrategyUsed: target.strategy,
		PostTopic:    target.topic,
		TimeSlot:     target.timeSlot,
	}

	messageID, execErr := d.execute(ctx, account, kind, target, textOut)
	record.FinishedAt = time.Now()

	if execErr != nil {
		return d.handleExecError(ctx, account, record, execErr)
	}

	record.Outcome = models.ActionOutcomeSuccess
	record.CommentMessageID = messageID
	d.metrics.RecordAction(string(kind), string(record.Outcome), record.FinishedAt.Sub(record.StartedAt))
	if err := d.actions.Append(ctx, record); err != nil {
		d.logger.Error("failed to append action record", logger.Field{Key: "error", Value: err.Error()})
	}
	if err := d.accounts.TouchActivity(ctx, account.ID, record.FinishedAt); err != nil {
		d.logger.Error("failed to touch account activity", logger.Field{Key: "error", Value: err.Error()})
	}
	account.LastActivityAt = record.FinishedAt

	if kind == models.ActionKindComment {
		d.publishOutcomePending(record)
	}

	return true, nil
}

func (d *Dispatcher) handleExecError(ctx context.Context, account *models.Account, record *models.ActionRecord, execErr error) (bool, error) {
	execErr2, ok := execErr.(*models.ActionExecutionError)
	if !ok {
		execErr2 = models.NewTransientNetworkError(execErr.Error())
	}

	record.Outcome = models.ActionOutcomeError
	record.ErrorKind = execErr2.Kind
	if execErr2.Kind == models.ErrorKindFloodWaitShort || execErr2.Kind == models.ErrorKindFloodWaitLong {
		record.Outcome = models.ActionOutcomeFloodWait
	}
	if execErr2.ShouldStop {
		record.Outcome = models.ActionOutcomeBlocked
	}
	d.metrics.RecordAction(string(record.Kind), string(record.Outcome), record.FinishedAt.Sub(record.StartedAt))

	if err := d.actions.Append(ctx, record); err != nil {
		d.logger.Error("failed to append errored action record", logger.Field{Key: "error", Value: err.Error()})
	}

	if execErr2.ShouldStop {
		if err := d.accounts.Ban(ctx, account.ID, execErr2.Message); err != nil {
			d.logger.Error("failed to ban account", logger.Field{Key: "error", Value: err.Error()})
		}
		account.Status = models.AccountStatusBanned
		return false, execErr2
	}

	if execErr2.ShouldPause {
		until := time.Now().Add(time.Duration(execErr2.FloodWaitSeconds) * time.Second)
		if err := d.accounts.EnterCooldown(ctx, account.ID, account.Status, until); err != nil {
			d.logger.Error("failed to pause account for cooldown", logger.Field{Key: "error", Value: err.Error()})
		}
		account.Status = models.AccountStatusPaused
		account.CooldownUntil = until
	}

	return true, nil
}

func (d *Dispatcher) publishOutcomePending(record *models.ActionRecord) {
	event := OutcomePendingEvent{
		ActionID:         record.ID.Hex(),
		AccountID:        record.AccountID.Hex(),
		Channel:          record.TargetRef,
		CommentMessageID: record.CommentMessageID,
		PollAt:           record.FinishedAt.Add(time.Duration(d.cfg.ReplyPoller.WindowMinutes) * time.Minute),
	}
	if err := d.pub.Publish(dispatcherEventsExchange, outcomePendingKey, event); err != nil {
		d.logger.Error("failed to publish outcome pending event", logger.Field{Key: "error", Value: err.Error()})
	}
}

// chooseKind performs weighted sampling over kinds with remaining budget,
// biased toward whichever kind is furthest below its expected pace for
// the elapsed fraction of the local day.
func (d *Dispatcher) chooseKind(ctx context.Context, account *models.Account, budget *warmup.ActionBudget) (models.ActionKind, bool) {
	now := time.Now().In(d.planner.Timezone(account))
	fraction := float64(now.Hour()*60+now.Minute()) / 1440.0

	type candidate struct {
		kind   models.ActionKind
		weight float64
	}
	var candidates []candidate
	total := 0.0

	for _, kind := range allKinds {
		remaining, err := d.planner.RemainingToday(ctx, account, budget, kind)
		if err != nil || remaining <= 0 {
			continue
		}

		quota := budget.Quotas[kind]
		used := quota - remaining
		expected := float64(quota) * fraction
		deficit := expected - float64(used)
		if deficit < 0.25 {
			deficit = 0.25
		}
		if deficit > float64(remaining) {
			deficit = float64(remaining)
		}

		candidates = append(candidates, candidate{kind: kind, weight: deficit})
		total += deficit
	}

	if len(candidates) == 0 || total <= 0 {
		return "", false
	}

	r := rand.Float64() * total
	for _, c := range candidates {
		r -= c.weight
		if r <= 0 {
			return c.kind, true
		}
	}
	return candidates[len(candidates)-1].kind, true
}

func (d *Dispatcher) execute(ctx context.Context, account *models.Account, kind models.ActionKind, target actionTarget, text string) (int64, error) {
	switch kind {
	case models.ActionKindComment:
		return d.session.SendComment(ctx, account.ID, target.channel, target.postID, text)
	case models.ActionKindReaction:
		return 0, d.session.React(ctx, account.ID, target.ref, "👍")
	case models.ActionKindStoryView:
		return 0, d.session.ViewStory(ctx, account.ID, target.ref, target.postID)
	case models.ActionKindStoryReact:
		return 0, d.session.React(ctx, account.ID, target.ref, "🔥")
	case models.ActionKindSubscribe:
		return 0, d.session.Subscribe(ctx, account.ID, target.channel)
	case models.ActionKindMessage:
		return 0, d.session.SendDirect(ctx, account.ID, target.ref, text)
	case models.ActionKindPost:
		return d.session.PublishPost(ctx, account.ID, target.channel, text)
	default:
		return 0, fmt.Errorf("unsupported action kind %s", kind)
	}
}
