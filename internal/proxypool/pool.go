package proxypool

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/config"
	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Outcome classifies the result of a transport call made through a proxy,
// driving whether the proxy's failure streak resets or advances.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransportFailure
)

// ErrNoneAvailable is returned by Acquire when no proxy is currently
// eligible; callers must park and back off rather than busy-loop.
var ErrNoneAvailable = fmt.Errorf("no proxy available")

// Pool assigns a proxy endpoint to each account, tracks failures, and
// rotates a proxy onto cooldown once it accumulates three consecutive
// transport failures attributable to it.
type Pool interface {
	Acquire(ctx context.Context, accountID primitive.ObjectID) (*models.Proxy, error)
	Report(ctx context.Context, proxyID primitive.ObjectID, outcome Outcome) error
	Release(ctx context.Context, accountID primitive.ObjectID) error
	// Snapshot buckets every proxy by current health (in_use, cooldown,
	// available), the source of the proxy-health gauge.
	Snapshot(ctx context.Context) (map[string]int64, error)
}

type pool struct {
	repo   repository.ProxyRepository
	cfg    *config.Config
	logger logger.Logger
}

func New(repo repository.ProxyRepository, cfg *config.Config, log logger.Logger) Pool {
	return &pool{repo: repo, cfg: cfg, logger: log}
}

// Acquire picks the least-recently-failed available proxy and reserves it
// via a CAS update; reservation failures (another caller won the race) are
// retried against the next candidate rather than surfaced.
func (p *pool) Acquire(ctx context.Context, accountID primitive.ObjectID) (*models.Proxy, error) {
	now := time.Now()
	candidates, err := p.repo.ListAvailable(ctx, now)
	if err != nil {
		return nil, models.NewPersistenceError(fmt.Sprintf("failed to list available proxies: %v", err))
	}

	for _, candidate := range candidates {
		reserved, err := p.repo.Reserve(ctx, candidate.ID, accountID, now)
		if err != nil {
			return nil, models.NewPersistenceError(fmt.Sprintf("failed to reserve proxy: %v", err))
		}
		if reserved {
			candidate.InUseByAccount = &accountID
			return candidate, nil
		}
	}

	return nil, ErrNoneAvailable
}

// Report accounts for the result of a transport call made through proxyID.
// Three consecutive failures place the proxy on cooldown for an
// exponentially increasing interval (base doubling up to the configured
// ceiling); a success resets the streak.
func (p *pool) Report(ctx context.Context, proxyID primitive.ObjectID, outcome Outcome) error {
	if outcome == OutcomeSuccess {
		if err := p.repo.RecordSuccess(ctx, proxyID); err != nil {
			return models.NewPersistenceError(fmt.Sprintf("failed to record proxy success: %v", err))
		}
		return nil
	}

	proxy, err := p.repo.GetByID(ctx, proxyID)
	if err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to load proxy for failure accounting: %v", err))
	}

	streak := proxy.ConsecutiveFailures + 1
	var cooldownUntil time.Time
	if streak >= p.cfg.Proxy.FailureThreshold {
		cooldownUntil = time.Now().Add(p.cooldownDuration(streak))
	}

	if err := p.repo.RecordFailure(ctx, proxyID, cooldownUntil, false); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to record proxy failure: %v", err))
	}

	if !cooldownUntil.IsZero() {
		p.logger.Warn("proxy placed on cooldown",
			logger.Field{Key: "proxy_id", Value: proxyID.Hex()},
			logger.Field{Key: "cooldown_until", Value: cooldownUntil},
		)
	}

	return nil
}

// cooldownDuration doubles the base interval for each failure beyond the
// threshold, capped at the configured maximum.
func (p *pool) cooldownDuration(streak int) time.Duration {
	base := time.Duration(p.cfg.Proxy.CooldownBaseSeconds) * time.Second
	max := time.Duration(p.cfg.Proxy.CooldownMaxSeconds) * time.Second

	doublings := streak - p.cfg.Proxy.FailureThreshold
	if doublings < 0 {
		doublings = 0
	}

	duration := base
	for i := 0; i < doublings; i++ {
		duration *= 2
		if duration >= max {
			return max
		}
	}
	if duration > max {
		return max
	}
	return duration
}

func (p *pool) Release(ctx context.Context, accountID primitive.ObjectID) error {
	if err := p.repo.Release(ctx, accountID); err != nil {
		return models.NewPersistenceError(fmt.Sprintf("failed to release proxy: %v", err))
	}
	return nil
}

func (p *pool) Snapshot(ctx context.Context) (map[string]int64, error) {
	counts, err := p.repo.CountByHealth(ctx, time.Now())
	if err != nil {
		return nil, models.NewPersistenceError(fmt.Sprintf("failed to count proxies by health: %v", err))
	}
	return counts, nil
}
