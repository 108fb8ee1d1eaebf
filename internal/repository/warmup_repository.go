package repository

import (
	"context"
	"fmt"

	"trafficengine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// WarmupLimitRepository serves the immutable (phase, day_in_phase) ->
// limits reference table.
type WarmupLimitRepository interface {
	Get(ctx context.Context, phase, dayInPhase int) (*models.WarmupDailyLimit, error)
	PhaseLength(ctx context.Context, phase int) (int, error)
	Seed(ctx context.Context, limits []*models.WarmupDailyLimit) error
}

type warmupLimitRepository struct {
	collection *mongo.Collection
}

func NewWarmupLimitRepository(db *mongo.Database) WarmupLimitRepository {
	return &warmupLimitRepository{collection: db.Collection("warmup_daily_limits")}
}

func (r *warmupLimitRepository) Get(ctx context.Context, phase, dayInPhase int) (*models.WarmupDailyLimit, error) {
	var limit models.WarmupDailyLimit
	err := r.collection.FindOne(ctx, bson.M{"phase": phase, "day_in_phase": dayInPhase}).Decode(&limit)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("no warmup daily limit for phase %d day %d", phase, dayInPhase)
		}
		return nil, fmt.Errorf("failed to get warmup daily limit: %w", err)
	}
	return &limit, nil
}

// PhaseLength returns the number of day rows configured for phase, i.e.
// the number of days the phase spans.
func (r *warmupLimitRepository) PhaseLength(ctx context.Context, phase int) (int, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"phase": phase})
	if err != nil {
		return 0, fmt.Errorf("failed to count warmup phase days: %w", err)
	}
	return int(count), nil
}

func (r *warmupLimitRepository) Seed(ctx context.Context, limits []*models.WarmupDailyLimit) error {
	for _, limit := range limits {
		_, err := r.collection.UpdateOne(ctx,
			bson.M{"phase": limit.Phase, "day_in_phase": limit.DayInPhase},
			bson.M{"$set": limit},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("failed to seed warmup daily limit: %w", err)
		}
	}
	return nil
}
