package repository

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// AccountRepository persists Account state, including the compare-and-set
// status transition used by the account state machine.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Account, error)
	ListByStatus(ctx context.Context, status models.AccountStatus, segment models.Segment) ([]*models.Account, error)
	Transition(ctx context.Context, id primitive.ObjectID, from, to models.AccountStatus) (bool, error)
	RecordSpamCheck(ctx context.Context, id primitive.ObjectID, verdict models.SpamVerdict) error
	MarkBanned(ctx context.Context, id primitive.ObjectID, reason string) error
	AdvanceWarmup(ctx context.Context, id primitive.ObjectID, phase, dayInPhase int, completed bool) error
	SetCooldown(ctx context.Context, id primitive.ObjectID, until time.Time) error
	SetProxy(ctx context.Context, id primitive.ObjectID, proxyID primitive.ObjectID) error
	TouchLastActivity(ctx context.Context, id primitive.ObjectID, at time.Time) error
	CountByStatus(ctx context.Context) (map[models.AccountStatus]int64, error)
}

type accountRepository struct {
	collection *mongo.Collection
}

func NewAccountRepository(db *mongo.Database) AccountRepository {
	return &accountRepository{collection: db.Collection("accounts")}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	now := time.Now()
	account.CreatedAt = now
	account.UpdatedAt = now

	result, err := r.collection.InsertOne(ctx, account)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	account.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

// CountByStatus aggregates the fleet's current size by lifecycle status,
// the backing query for the administrative fleet overview.
func (r *accountRepository) CountByStatus(ctx context.Context) (map[models.AccountStatus]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate account status counts: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[models.AccountStatus]int64)
	var rows []struct {
		ID    models.AccountStatus `bson:"_id"`
		Count int64                `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode account status counts: %w", err)
	}
	for _, row := range rows {
		counts[row.ID] = row.Count
	}
	return counts, nil
}

func (r *accountRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Account, error) {
	var account models.Account
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&account)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("account not found")
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

func (r *accountRepository) ListByStatus(ctx context.Context, status models.AccountStatus, segment models.Segment) ([]*models.Account, error) {
	filter := bson.M{"status": status}
	if segment != "" {
		filter["segment"] = segment
	}

	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var accounts []*models.Account
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	return accounts, nil
}

// Transition performs a compare-and-set on status: it only succeeds if the
// document currently has status=from, guaranteeing at most one caller wins
// a given transition race.
func (r *accountRepository) Transition(ctx context.Context, id primitive.ObjectID, from, to models.AccountStatus) (bool, error) {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": from},
		bson.M{"$set": bson.M{"status": to, "updated_at": time.Now()}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition account status: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (r *accountRepository) RecordSpamCheck(ctx context.Context, id primitive.ObjectID, verdict models.SpamVerdict) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"spam_verdict":   verdict,
		"spam_checked_at": time.Now(),
		"updated_at":     time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to record spam check: %w", err)
	}
	return nil
}

func (r *accountRepository) MarkBanned(ctx context.Context, id primitive.ObjectID, reason string) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":     models.AccountStatusBanned,
		"ban_reason": reason,
		"updated_at": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to mark account banned: %w", err)
	}
	return nil
}

func (r *accountRepository) AdvanceWarmup(ctx context.Context, id primitive.ObjectID, phase, dayInPhase int, completed bool) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"phase":            phase,
		"day_in_phase":     dayInPhase,
		"warmup_completed": completed,
		"updated_at":       time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to advance warmup: %w", err)
	}
	return nil
}

func (r *accountRepository) SetCooldown(ctx context.Context, id primitive.ObjectID, until time.Time) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"cooldown_until": until,
		"updated_at":     time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to set account cooldown: %w", err)
	}
	return nil
}

func (r *accountRepository) SetProxy(ctx context.Context, id primitive.ObjectID, proxyID primitive.ObjectID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"proxy_id":   proxyID,
		"updated_at": time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to set account proxy: %w", err)
	}
	return nil
}

func (r *accountRepository) TouchLastActivity(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"last_activity_at": at,
		"updated_at":       time.Now(),
	}})
	if err != nil {
		return fmt.Errorf("failed to touch last activity: %w", err)
	}
	return nil
}
