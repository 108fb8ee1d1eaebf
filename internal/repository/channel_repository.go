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

type ChannelRepository interface {
	ListActive(ctx context.Context, segment models.Segment) ([]*models.TargetChannel, error)
	Upsert(ctx context.Context, channel *models.TargetChannel) error
	Deactivate(ctx context.Context, username string) error
}

type channelRepository struct {
	collection *mongo.Collection
}

func NewChannelRepository(db *mongo.Database) ChannelRepository {
	return &channelRepository{collection: db.Collection("target_channels")}
}

func (r *channelRepository) ListActive(ctx context.Context, segment models.Segment) ([]*models.TargetChannel, error) {
	filter := bson.M{"active": true}
	if segment != "" {
		filter["segment"] = segment
	}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list active channels: %w", err)
	}
	defer cursor.Close(ctx)

	var channels []*models.TargetChannel
	if err := cursor.All(ctx, &channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	return channels, nil
}

func (r *channelRepository) Upsert(ctx context.Context, channel *models.TargetChannel) error {
	now := time.Now()
	channel.UpdatedAt = now

	_, err := r.collection.UpdateOne(ctx,
		bson.M{"username": channel.Username},
		bson.M{
			"$set":         channel,
			"$setOnInsert": bson.M{"created_at": now},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert channel: %w", err)
	}
	return nil
}

// Deactivate flips active=false for a channel named in the operator-
// provided deactivation seed list; it is advisory data, not an API
// contract, so an unknown username is a silent no-op.
func (r *channelRepository) Deactivate(ctx context.Context, username string) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$set": bson.M{"active": false, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate channel: %w", err)
	}
	return nil
}

// PostRepository owns PostObservation rows, including the atomic claim CAS
// that enforces one-commenter-per-post.
type PostRepository interface {
	Upsert(ctx context.Context, channel string, telegramMsgID int64, seenAt time.Time, topicTag string) (*models.PostObservation, bool, error)
	Claim(ctx context.Context, postID primitive.ObjectID, accountID primitive.ObjectID) (bool, error)
	ListClaimable(ctx context.Context, channel string, horizon time.Duration, limit int) ([]*models.PostObservation, error)
}

type postRepository struct {
	collection *mongo.Collection
}

func NewPostRepository(db *mongo.Database) PostRepository {
	return &postRepository{collection: db.Collection("post_observations")}
}

// Upsert inserts a new observation keyed by (channel, telegram_message_id)
// if one doesn't already exist; returns the stored document and whether it
// was freshly created. Replaying the same NewPost event twice is therefore
// idempotent at the observation level.
func (r *postRepository) Upsert(ctx context.Context, channel string, telegramMsgID int64, seenAt time.Time, topicTag string) (*models.PostObservation, bool, error) {
	filter := bson.M{"channel": channel, "telegram_message_id": telegramMsgID}

	result, err := r.collection.UpdateOne(ctx, filter,
		bson.M{"$setOnInsert": bson.M{
			"channel":             channel,
			"telegram_message_id": telegramMsgID,
			"seen_at":             seenAt,
			"topic_tag":           topicTag,
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert post observation: %w", err)
	}

	var post models.PostObservation
	if err := r.collection.FindOne(ctx, filter).Decode(&post); err != nil {
		return nil, false, fmt.Errorf("failed to read post observation: %w", err)
	}

	return &post, result.UpsertedCount == 1, nil
}

// Claim is an atomic compare-and-set on claimed_by_account_id (nil ->
// accountID). Only the caller whose update actually matched a document
// wins the claim; concurrent callers racing the same post never both win.
func (r *postRepository) Claim(ctx context.Context, postID primitive.ObjectID, accountID primitive.ObjectID) (bool, error) {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": postID, "claimed_by_account_id": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"claimed_by_account_id": accountID, "claimed_at": time.Now()}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim post: %w", err)
	}
	return result.ModifiedCount == 1, nil
}

func (r *postRepository) ListClaimable(ctx context.Context, channel string, horizon time.Duration, limit int) ([]*models.PostObservation, error) {
	cutoff := time.Now().Add(-horizon)
	filter := bson.M{
		"channel":               channel,
		"claimed_by_account_id": bson.M{"$exists": false},
		"seen_at":               bson.M{"$gte": cutoff},
	}

	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.M{"seen_at": 1}).SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("failed to list claimable posts: %w", err)
	}
	defer cursor.Close(ctx)

	var posts []*models.PostObservation
	if err := cursor.All(ctx, &posts); err != nil {
		return nil, fmt.Errorf("failed to decode claimable posts: %w", err)
	}
	return posts, nil
}
