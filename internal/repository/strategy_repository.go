package repository

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// StrategyRepository persists StrategyEffectiveness aggregates, one row
// per (segment, channel, strategy, time_slot, post_topic) arm.
type StrategyRepository interface {
	Get(ctx context.Context, ctxKey models.StrategyContext, strategy models.Strategy) (*models.StrategyEffectiveness, error)
	ListForContext(ctx context.Context, ctxKey models.StrategyContext) ([]*models.StrategyEffectiveness, error)
	RecordOutcome(ctx context.Context, ctxKey models.StrategyContext, strategy models.Strategy, reward, score float64) error
}

type strategyRepository struct {
	collection *mongo.Collection
}

func NewStrategyRepository(db *mongo.Database) StrategyRepository {
	return &strategyRepository{collection: db.Collection("strategy_effectiveness")}
}

func (r *strategyRepository) filter(ctxKey models.StrategyContext, strategy models.Strategy) bson.M {
	return bson.M{
		"segment":          ctxKey.Segment,
		"channel_username": ctxKey.ChannelUsername,
		"strategy":         strategy,
		"time_slot":        ctxKey.TimeSlot,
		"post_topic":       ctxKey.PostTopic,
	}
}

func (r *strategyRepository) Get(ctx context.Context, ctxKey models.StrategyContext, strategy models.Strategy) (*models.StrategyEffectiveness, error) {
	var eff models.StrategyEffectiveness
	err := r.collection.FindOne(ctx, r.filter(ctxKey, strategy)).Decode(&eff)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return &models.StrategyEffectiveness{
				Segment: ctxKey.Segment, ChannelUsername: ctxKey.ChannelUsername,
				Strategy: strategy, TimeSlot: ctxKey.TimeSlot, PostTopic: ctxKey.PostTopic,
			}, nil
		}
		return nil, fmt.Errorf("failed to get strategy effectiveness: %w", err)
	}
	return &eff, nil
}

func (r *strategyRepository) ListForContext(ctx context.Context, ctxKey models.StrategyContext) ([]*models.StrategyEffectiveness, error) {
	filter := bson.M{
		"segment":          ctxKey.Segment,
		"channel_username": ctxKey.ChannelUsername,
		"time_slot":        ctxKey.TimeSlot,
		"post_topic":       ctxKey.PostTopic,
	}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list strategy effectiveness: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []*models.StrategyEffectiveness
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode strategy effectiveness: %w", err)
	}
	return rows, nil
}

// RecordOutcome increments attempts and weighted_successes and persists the
// freshly computed score for this (context, strategy) arm.
func (r *strategyRepository) RecordOutcome(ctx context.Context, ctxKey models.StrategyContext, strategy models.Strategy, reward, score float64) error {
	_, err := r.collection.UpdateOne(ctx, r.filter(ctxKey, strategy),
		bson.M{
			"$inc": bson.M{"attempts": 1, "weighted_successes": reward},
			"$set": bson.M{"score": score, "last_updated": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to record strategy outcome: %w", err)
	}
	return nil
}
