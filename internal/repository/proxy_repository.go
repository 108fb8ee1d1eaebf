package repository

import (
	"context"
	"fmt"
	"time"

	"trafficengine/internal/models"
	"trafficengine/pkg/crypto"
	"trafficengine/pkg/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ProxyRepository persists Proxy rows with credentials encrypted at rest
// via the shared Encryptor.
type ProxyRepository interface {
	Create(ctx context.Context, proxy *models.Proxy) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*models.Proxy, error)
	ListAvailable(ctx context.Context, now time.Time) ([]*models.Proxy, error)
	// Reserve is an atomic compare-and-set: it only succeeds for a proxy
	// that is currently unassigned and out of cooldown, serializing
	// concurrent acquisition attempts on the same document.
	Reserve(ctx context.Context, id primitive.ObjectID, accountID primitive.ObjectID, now time.Time) (bool, error)
	Release(ctx context.Context, accountID primitive.ObjectID) error
	RecordFailure(ctx context.Context, id primitive.ObjectID, cooldownUntil time.Time, resetStreak bool) error
	RecordSuccess(ctx context.Context, id primitive.ObjectID) error
	// CountByHealth buckets every proxy into in_use, cooldown, or available,
	// the backing query for the proxy-health gauge.
	CountByHealth(ctx context.Context, now time.Time) (map[string]int64, error)
}

type proxyRepository struct {
	collection *mongo.Collection
	encryptor  *crypto.Encryptor
	logger     logger.Logger
}

func NewProxyRepository(db *mongo.Database, encryptor *crypto.Encryptor, log logger.Logger) ProxyRepository {
	return &proxyRepository{
		collection: db.Collection("proxies"),
		encryptor:  encryptor,
		logger:     log,
	}
}

func (r *proxyRepository) Create(ctx context.Context, proxy *models.Proxy) error {
	if proxy.Password != "" {
		encrypted, err := r.encryptor.Encrypt(proxy.Password)
		if err != nil {
			return fmt.Errorf("failed to encrypt proxy password: %w", err)
		}
		proxy.Password = encrypted
	}

	now := time.Now()
	proxy.CreatedAt = now
	proxy.UpdatedAt = now

	result, err := r.collection.InsertOne(ctx, proxy)
	if err != nil {
		return fmt.Errorf("failed to create proxy: %w", err)
	}
	proxy.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *proxyRepository) decrypt(proxy *models.Proxy) error {
	if proxy.Password == "" {
		return nil
	}
	plain, err := r.encryptor.Decrypt(proxy.Password)
	if err != nil {
		return fmt.Errorf("failed to decrypt proxy password: %w", err)
	}
	proxy.Password = plain
	return nil
}

func (r *proxyRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Proxy, error) {
	var proxy models.Proxy
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&proxy)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("proxy not found")
		}
		return nil, fmt.Errorf("failed to get proxy: %w", err)
	}
	if err := r.decrypt(&proxy); err != nil {
		return nil, err
	}
	return &proxy, nil
}

// ListAvailable returns unassigned, out-of-cooldown proxies ordered
// least-recently-failed first, matching the acquisition policy.
func (r *proxyRepository) ListAvailable(ctx context.Context, now time.Time) ([]*models.Proxy, error) {
	filter := bson.M{
		"in_use_by_account_id": bson.M{"$exists": false},
		"$or": []bson.M{
			{"cooldown_until": bson.M{"$exists": false}},
			{"cooldown_until": bson.M{"$lte": now}},
		},
	}

	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"last_failed_at": 1}))
	if err != nil {
		return nil, fmt.Errorf("failed to list available proxies: %w", err)
	}
	defer cursor.Close(ctx)

	var proxies []*models.Proxy
	if err := cursor.All(ctx, &proxies); err != nil {
		return nil, fmt.Errorf("failed to decode available proxies: %w", err)
	}
	for _, p := range proxies {
		if err := r.decrypt(p); err != nil {
			return nil, err
		}
	}
	return proxies, nil
}

func (r *proxyRepository) Reserve(ctx context.Context, id primitive.ObjectID, accountID primitive.ObjectID, now time.Time) (bool, error) {
	filter := bson.M{
		"_id":                  id,
		"in_use_by_account_id": bson.M{"$exists": false},
		"$or": []bson.M{
			{"cooldown_until": bson.M{"$exists": false}},
			{"cooldown_until": bson.M{"$lte": now}},
		},
	}

	result, err := r.collection.UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"in_use_by_account_id": accountID, "updated_at": now}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to reserve proxy: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (r *proxyRepository) Release(ctx context.Context, accountID primitive.ObjectID) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"in_use_by_account_id": accountID},
		bson.M{"$unset": bson.M{"in_use_by_account_id": ""}, "$set": bson.M{"updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to release proxy: %w", err)
	}
	return nil
}

func (r *proxyRepository) RecordFailure(ctx context.Context, id primitive.ObjectID, cooldownUntil time.Time, resetStreak bool) error {
	update := bson.M{
		"$inc": bson.M{"consecutive_failures": 1},
		"$set": bson.M{"last_failed_at": time.Now(), "updated_at": time.Now()},
	}
	if !cooldownUntil.IsZero() {
		update["$set"].(bson.M)["cooldown_until"] = cooldownUntil
	}
	if resetStreak {
		update["$set"].(bson.M)["consecutive_failures"] = 0
		delete(update, "$inc")
	}

	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to record proxy failure: %w", err)
	}
	return nil
}

func (r *proxyRepository) RecordSuccess(ctx context.Context, id primitive.ObjectID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"consecutive_failures": 0, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to record proxy success: %w", err)
	}
	return nil
}

func (r *proxyRepository) CountByHealth(ctx context.Context, now time.Time) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.M{
			"health": bson.M{
				"$switch": bson.M{
					"branches": []bson.M{
						{"case": bson.M{"$ifNull": []interface{}{"$in_use_by_account_id", false}}, "then": "in_use"},
						{"case": bson.M{"$and": []bson.M{
							{"$ifNull": []interface{}{"$cooldown_until", false}},
							{"$gt": []interface{}{"$cooldown_until", now}},
						}}, "then": "cooldown"},
					},
					"default": "available",
				},
			},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$health", "count": bson.M{"$sum": 1}}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate proxy health counts: %w", err)
	}
	defer cursor.Close(ctx)

	counts := make(map[string]int64)
	var rows []struct {
		ID    string `bson:"_id"`
		Count int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode proxy health counts: %w", err)
	}
	for _, row := range rows {
		counts[row.ID] = row.Count
	}
	return counts, nil
}
