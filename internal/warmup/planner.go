package warmup

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/ledger"
	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/pkg/logger"
)

// ActionBudget is the day's allowance: a quota per action kind, the
// inter-action delay range, and the quiet-hours window in effect.
type ActionBudget struct {
	Quotas         map[models.ActionKind]int
	MinDelay       time.Duration
	MaxDelay       time.Duration
	QuietHoursStart int
	QuietHoursEnd   int
}

// RemainingFor returns the quota left for kind after subtracting today's
// counter, floored at zero.
func (b *ActionBudget) RemainingFor(kind models.ActionKind, usedToday int) int {
	remaining := b.Quotas[kind] - usedToday
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Planner produces the day's Action Budget for a warming account and
// advances its phase/day-in-phase cursor on local-day rollover.
type Planner struct {
	accounts repository.AccountRepository
	limits   repository.WarmupLimitRepository
	ledger   ledger.Ledger
	cfg      *config.Config
	logger   logger.Logger
}

func New(accounts repository.AccountRepository, limits repository.WarmupLimitRepository, l ledger.Ledger, cfg *config.Config, log logger.Logger) *Planner {
	return &Planner{accounts: accounts, limits: limits, ledger: l, cfg: cfg, logger: log}
}

// quietHoursFor resolves the account's own quiet-hours override, falling
// back to the fleet default when the account has none set.
func (p *Planner) quietHoursFor(account *models.Account) (start, end int) {
	start, end = p.cfg.QuietHours.Start, p.cfg.QuietHours.End
	if account.QuietHoursStart != nil {
		start = *account.QuietHoursStart
	}
	if account.QuietHoursEnd != nil {
		end = *account.QuietHoursEnd
	}
	return start, end
}

func (p *Planner) timezone(account *models.Account) *time.Location {
	return p.Timezone(account)
}

// Timezone resolves the account's configured IANA zone, falling back to
// the fleet default and then UTC if neither loads.
func (p *Planner) Timezone(account *models.Account) *time.Location {
	loc, err := time.LoadLocation(account.Timezone)
	if err != nil {
		loc, _ = time.LoadLocation(p.cfg.Fleet.DefaultTimezone)
		if loc == nil {
			loc = time.UTC
		}
	}
	return loc
}

// QuietWindow exposes the account's effective quiet-hours window.
func (p *Planner) QuietWindow(account *models.Account) (start, end int) {
	return p.quietHoursFor(account)
}

// AdvanceIfNewDay advances day_in_phase (and phase, and warmup_completed)
// when the account has crossed into a new local day since its last
// recorded activity. It never regresses and never exceeds WarmupPhaseCount.
func (p *Planner) AdvanceIfNewDay(ctx context.Context, account *models.Account, now time.Time) error {
	loc := p.timezone(account)
	lastDay := account.LastActivityAt.In(loc).Format("2006-01-02")
	today := now.In(loc).Format("2006-01-02")

	if account.LastActivityAt.IsZero() || lastDay == today {
		return nil
	}

	phase := account.Phase
	dayInPhase := account.DayInPhase + 1

	phaseLength, err := p.limits.PhaseLength(ctx, phase)
	if err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to resolve phase length: %v", err))
	}

	completed := account.WarmupCompleted
	if phaseLength > 0 && dayInPhase > phaseLength {
		if phase >= models.WarmupPhaseCount {
			completed = true
		} else {
			phase++
			dayInPhase = 1
		}
	}

	if err := p.accounts.AdvanceWarmup(ctx, account.ID, phase, dayInPhase, completed); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to advance warmup cursor: %v", err))
	}

	account.Phase = phase
	account.DayInPhase = dayInPhase
	account.WarmupCompleted = completed
	return nil
}

// BuildBudget produces today's Action Budget from the reference table,
// never exceeding it; residual cooldowns are reflected by the caller via
// the ledger's remaining-quota math, not by under-allocating here.
func (p *Planner) BuildBudget(ctx context.Context, account *models.Account) (*ActionBudget, error) {
	limit, err := p.limits.Get(ctx, account.Phase, account.DayInPhase)
	if err != nil {
		return nil, models.NewConfigError(fmt.Sprintf("missing warmup daily limit for phase %d day %d: %v", account.Phase, account.DayInPhase, err))
	}

	quietStart, quietEnd := p.quietHoursFor(account)

	budget := &ActionBudget{
		Quotas: map[models.ActionKind]int{
			models.ActionKindMessage:    limit.MaxMessages,
			models.ActionKindReaction:   limit.MaxReactions,
			models.ActionKindSubscribe:  limit.MaxSubscriptions,
			models.ActionKindComment:    limit.MaxComments,
			models.ActionKindPost:       limit.MaxPosts,
			models.ActionKindStoryView:  limit.MaxReactions,
			models.ActionKindStoryReact: limit.MaxReactions,
		},
		MinDelay:        time.Duration(limit.MinDelaySeconds) * time.Second,
		MaxDelay:        time.Duration(limit.MaxDelaySeconds) * time.Second,
		QuietHoursStart: quietStart,
		QuietHoursEnd:   quietEnd,
	}

	return budget, nil
}

// RemainingToday reports how much of kind's quota is left for account today,
// reading the live counter from the ledger rather than trusting a caller's
// cached count.
func (p *Planner) RemainingToday(ctx context.Context, account *models.Account, budget *ActionBudget, kind models.ActionKind) (int, error) {
	used, err := p.ledger.DailyCounter(ctx, account.ID, kind, p.timezone(account))
	if err != nil {
		return 0, models.NewPersistenceError(fmt.Sprintf("failed to read daily counter: %v", err))
	}
	return budget.RemainingFor(kind, used), nil
}

// JitteredDelay samples uniformly from the budget's delay range and jitters
// by +-20%.
func JitteredDelay(budget *ActionBudget) time.Duration {
	span := budget.MaxDelay - budget.MinDelay
	base := budget.MinDelay
	if span > 0 {
		base += time.Duration(rand.Int63n(int64(span)))
	}

	jitterPct := (rand.Float64()*0.4 - 0.2) // +-20%
	jittered := time.Duration(float64(base) * (1 + jitterPct))
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}
