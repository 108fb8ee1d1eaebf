package repository

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// LedgerRepository backs the Clock & Rate Ledger's durable counters.
// TryIncrement is the only mutating call and is conditional: it never
// grants an increment that would push count above limit.
type LedgerRepository interface {
	DailyCounter(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, date string) (int, error)
	TryIncrement(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, date string, limit int) (bool, error)
	CompactBefore(ctx context.Context, cutoffDate string) (int64, error)
}

type ledgerRepository struct {
	collection *mongo.Collection
}

func NewLedgerRepository(db *mongo.Database) LedgerRepository {
	return &ledgerRepository{collection: db.Collection("rate_counters")}
}

func (r *ledgerRepository) key(accountID primitive.ObjectID, kind models.ActionKind, date string) bson.M {
	return bson.M{"account_id": accountID, "kind": kind, "date": date}
}

func (r *ledgerRepository) DailyCounter(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, date string) (int, error) {
	var counter models.RateCounter
	err := r.collection.FindOne(ctx, r.key(accountID, kind, date)).Decode(&counter)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read rate counter: %w", err)
	}
	return counter.Count, nil
}

// TryIncrement atomically increments the counter only if doing so keeps it
// at or below limit. It upserts a fresh zero-counter document on first use
// of a (account, kind, date) key, then conditions the increment on the
// current value via a filtered update.
func (r *ledgerRepository) TryIncrement(ctx context.Context, accountID primitive.ObjectID, kind models.ActionKind, date string, limit int) (bool, error) {
	filter := r.key(accountID, kind, date)

	_, err := r.collection.UpdateOne(ctx, filter,
		bson.M{
			"$setOnInsert": bson.M{"account_id": accountID, "kind": kind, "date": date, "count": 0},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return false, fmt.Errorf("failed to seed rate counter: %w", err)
	}

	conditional := bson.M{"account_id": accountID, "kind": kind, "date": date, "count": bson.M{"$lt": limit}}
	result, err := r.collection.UpdateOne(ctx, conditional,
		bson.M{"$inc": bson.M{"count": 1}, "$set": bson.M{"updated_at": time.Now()}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to increment rate counter: %w", err)
	}

	return result.ModifiedCount == 1, nil
}

func (r *ledgerRepository) CompactBefore(ctx context.Context, cutoffDate string) (int64, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"date": bson.M{"$lt": cutoffDate}})
	if err != nil {
		return 0, fmt.Errorf("failed to compact rate counters: %w", err)
	}
	return result.DeletedCount, nil
}
