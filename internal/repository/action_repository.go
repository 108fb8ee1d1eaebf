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

// ActionRepository owns the append-only ActionRecord log plus the two
// narrow mutations allowed on an existing record: outcome attribution
// from the Reply Poller, and recovery reconciliation on restart.
type ActionRepository interface {
	Append(ctx context.Context, record *models.ActionRecord) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.ActionRecord, error)
	ApplyOutcome(ctx context.Context, id primitive.ObjectID, gotReply bool, replyCount int) (bool, error)
	ListInFlight(ctx context.Context, accountID primitive.ObjectID) ([]*models.ActionRecord, error)
	MarkErrored(ctx context.Context, id primitive.ObjectID, kind models.ErrorKind) error
	CountByOutcomeSince(ctx context.Context, accountID primitive.ObjectID, since time.Time) (map[models.ActionOutcome]int64, error)
	CountAllByOutcomeSince(ctx context.Context, since time.Time) (map[models.ActionOutcome]int64, error)
	ListRecentByAccount(ctx context.Context, accountID primitive.ObjectID, limit int) ([]*models.ActionRecord, error)
	RecentErrors(ctx context.Context, since time.Time, limit int) ([]*models.ActionRecord, error)
}

type actionRepository struct {
	collection *mongo.Collection
}

func NewActionRepository(db *mongo.Database) ActionRepository {
	return &actionRepository{collection: db.Collection("action_records")}
}

func (r *actionRepository) Append(ctx context.Context, record *models.ActionRecord) error {
	result, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to append action record: %w", err)
	}
	record.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *actionRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.ActionRecord, error) {
	var record models.ActionRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("action record not found")
		}
		return nil, fmt.Errorf("failed to get action record: %w", err)
	}
	return &record, nil
}

// ApplyOutcome records the Reply Poller's observed outcome, guarded on
// reward_applied_at not yet being set so a redelivered outcome_pending
// event cannot apply the same reward twice. The returned bool reports
// whether this call was the one that applied it.
func (r *actionRepository) ApplyOutcome(ctx context.Context, id primitive.ObjectID, gotReply bool, replyCount int) (bool, error) {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "reward_applied_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"got_reply":         gotReply,
			"reply_count":       replyCount,
			"reward_applied_at": time.Now(),
		}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to apply outcome: %w", err)
	}
	return result.ModifiedCount > 0, nil
}

func (r *actionRepository) ListInFlight(ctx context.Context, accountID primitive.ObjectID) ([]*models.ActionRecord, error) {
	cursor, err := r.collection.Find(ctx, bson.M{
		"account_id":  accountID,
		"finished_at": bson.M{"$exists": false},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight actions: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*models.ActionRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode in-flight actions: %w", err)
	}
	return records, nil
}

// MarkErrored finishes an in-flight record as an error outcome; used on
// restart to reconcile attempts that never observed a transport result.
func (r *actionRepository) MarkErrored(ctx context.Context, id primitive.ObjectID, kind models.ErrorKind) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"outcome":     models.ActionOutcomeError,
		"error_kind":  kind,
		"finished_at": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to mark action errored: %w", err)
	}
	return nil
}

func (r *actionRepository) CountByOutcomeSince(ctx context.Context, accountID primitive.ObjectID, since time.Time) (map[models.ActionOutcome]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"account_id": accountID, "started_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{"_id": "$outcome", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate action outcomes: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[models.ActionOutcome]int64)
	var rows []struct {
		ID    models.ActionOutcome `bson:"_id"`
		Count int64                 `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode action outcome counts: %w", err)
	}
	for _, row := range rows {
		counts[row.ID] = row.Count
	}
	return counts, nil
}

// CountAllByOutcomeSince is CountByOutcomeSince without the per-account
// filter, backing the fleet overview's today's-totals projection.
func (r *actionRepository) CountAllByOutcomeSince(ctx context.Context, since time.Time) (map[models.ActionOutcome]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"started_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{"_id": "$outcome", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate fleet-wide action outcomes: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[models.ActionOutcome]int64)
	var rows []struct {
		ID    models.ActionOutcome `bson:"_id"`
		Count int64                `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode fleet-wide action outcome counts: %w", err)
	}
	for _, row := range rows {
		counts[row.ID] = row.Count
	}
	return counts, nil
}

// ListRecentByAccount returns an account's most recent actions, newest
// first, for the per-account administrative detail view.
func (r *actionRepository) ListRecentByAccount(ctx context.Context, accountID primitive.ObjectID, limit int) ([]*models.ActionRecord, error) {
	cursor, err := r.collection.Find(ctx,
		bson.M{"account_id": accountID},
		options.Find().SetSort(bson.M{"started_at": -1}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent actions: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*models.ActionRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode recent actions: %w", err)
	}
	return records, nil
}

func (r *actionRepository) RecentErrors(ctx context.Context, since time.Time, limit int) ([]*models.ActionRecord, error) {
	filter := bson.M{"outcome": models.ActionOutcomeError, "started_at": bson.M{"$gte": since}}
	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"started_at": -1}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list recent errors: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*models.ActionRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode recent errors: %w", err)
	}
	return records, nil
}
