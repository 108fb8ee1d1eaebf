package ledger

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/models"
	"trafficengine/internal/repository"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Ledger is the authoritative time source and per-account-per-day counter
// store. Day boundaries are per-account using the account's configured
// timezone (default Europe/Moscow); the increment is atomic and
// conditional, and the ledger never reports granted without a durable
// commit.
type Ledger interface {
	Now() time.Time
	DailyCounter(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, loc *time.Location) (int, error)
	TryIncrement(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, limit int, loc *time.Location) (bool, error)
	Compact(ctx context.Context, olderThan time.Duration) (int64, error)
}

type ledger struct {
	repo   repository.LedgerRepository
	logger logger.Logger
}

func New(repo repository.LedgerRepository, log logger.Logger) Ledger {
	return &ledger{repo: repo, logger: log}
}

func (l *ledger) Now() time.Time {
	return time.Now()
}

func dateKey(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format("2006-01-02")
}

func (l *ledger) DailyCounter(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, loc *time.Location) (int, error) {
	count, err := l.repo.DailyCounter(ctx, accountID, kind, dateKey(l.Now(), loc))
	if err != nil {
		return 0, models.NewPersistenceError(fmt.Sprintf("failed to read daily counter: %v", err))
	}
	return count, nil
}

// TryIncrement grants the increment only if it keeps the counter at or
// below limit; on denial no mutation occurs.
func (l *ledger) TryIncrement(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, limit int, loc *time.Location) (bool, error) {
	const maxAttempts = 5

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		granted, err := l.repo.TryIncrement(ctx, accountID, kind, dateKey(l.Now(), loc), limit)
		if err == nil {
			return granted, nil
		}
		lastErr = err
		l.logger.Warn("rate ledger increment attempt failed", logger.Field{Key: "attempt", Value: attempt}, logger.Field{Key: "error", Value: err.Error()})
	}

	return false, models.NewPersistenceError(fmt.Sprintf("failed to increment rate counter after retries: %v", lastErr))
}

// Compact deletes counters older than olderThan, keyed by the UTC date so
// compaction never races a live account's local-day writes.
func (l *ledger) Compact(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := dateKey(l.Now().Add(-olderThan), time.UTC)
	deleted, err := l.repo.CompactBefore(ctx, cutoff)
	if err != nil {
		return 0, models.NewPersistenceError(fmt.Sprintf("failed to compact rate counters: %v", err))
	}
	return deleted, nil
}
