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

type InviteRepository interface {
	Create(ctx context.Context, invite *models.InviteLink) error
	GetByHash(ctx context.Context, hash string) (*models.InviteLink, error)
	GetActiveExpiring(ctx context.Context, now time.Time) ([]*models.InviteLink, error)
	GetPastAutoDelete(ctx context.Context, now time.Time) ([]*models.InviteLink, error)
	Expire(ctx context.Context, id primitive.ObjectID) error
	Revoke(ctx context.Context, id primitive.ObjectID) error
	RecordJoin(ctx context.Context, id primitive.ObjectID) (bool, error)
	MarkAutoDeleted(ctx context.Context, id primitive.ObjectID) error
}

type inviteRepository struct {
	collection *mongo.Collection
}

func NewInviteRepository(db *mongo.Database) InviteRepository {
	return &inviteRepository{collection: db.Collection("invite_links")}
}

func (r *inviteRepository) Create(ctx context.Context, invite *models.InviteLink) error {
	now := time.Now()
	invite.CreatedAt = now
	invite.UpdatedAt = now
	invite.Status = models.InviteStatusActive

	result, err := r.collection.InsertOne(ctx, invite)
	if err != nil {
		return fmt.Errorf("failed to create invite link: %w", err)
	}
	invite.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *inviteRepository) GetByHash(ctx context.Context, hash string) (*models.InviteLink, error) {
	var invite models.InviteLink
	err := r.collection.FindOne(ctx, bson.M{"invite_hash": hash}).Decode(&invite)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get invite link: %w", err)
	}
	return &invite, nil
}

func (r *inviteRepository) GetActiveExpiring(ctx context.Context, now time.Time) ([]*models.InviteLink, error) {
	cursor, err := r.collection.Find(ctx, bson.M{
		"status":      models.InviteStatusActive,
		"expire_date": bson.M{"$lte": now},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring invites: %w", err)
	}
	defer cursor.Close(ctx)

	var invites []*models.InviteLink
	if err := cursor.All(ctx, &invites); err != nil {
		return nil, fmt.Errorf("failed to decode expiring invites: %w", err)
	}
	return invites, nil
}

func (r *inviteRepository) GetPastAutoDelete(ctx context.Context, now time.Time) ([]*models.InviteLink, error) {
	cursor, err := r.collection.Find(ctx, bson.M{
		"auto_delete_at": bson.M{"$lte": now, "$ne": time.Time{}},
		"teaser_post_ref": bson.M{"$ne": ""},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list invites past auto-delete: %w", err)
	}
	defer cursor.Close(ctx)

	var invites []*models.InviteLink
	if err := cursor.All(ctx, &invites); err != nil {
		return nil, fmt.Errorf("failed to decode invites past auto-delete: %w", err)
	}
	return invites, nil
}

// Expire is the only transition the sweep performs on time alone; it is
// conditioned on status=active so a concurrent revoke always wins.
func (r *inviteRepository) Expire(ctx context.Context, id primitive.ObjectID) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.InviteStatusActive},
		bson.M{"$set": bson.M{"status": models.InviteStatusExpired, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to expire invite: %w", err)
	}
	return nil
}

func (r *inviteRepository) Revoke(ctx context.Context, id primitive.ObjectID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": models.InviteStatusRevoked, "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to revoke invite: %w", err)
	}
	return nil
}

// RecordJoin increments total_uses/total_joins and flips to exhausted once
// usage_limit is reached, conditioned on the invite still being active.
func (r *inviteRepository) RecordJoin(ctx context.Context, id primitive.ObjectID) (bool, error) {
	result, err := r.collection.UpdateOne(ctx,
		bson.M{"_id": id, "status": models.InviteStatusActive},
		bson.M{"$inc": bson.M{"total_uses": 1, "total_joins": 1}, "$set": bson.M{"updated_at": time.Now()}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to record invite join: %w", err)
	}
	if result.ModifiedCount != 1 {
		return false, nil
	}

	var invite models.InviteLink
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&invite); err != nil {
		return true, fmt.Errorf("failed to reload invite after join: %w", err)
	}
	if invite.TotalUses >= invite.UsageLimit {
		_, err := r.collection.UpdateOne(ctx,
			bson.M{"_id": id, "status": models.InviteStatusActive},
			bson.M{"$set": bson.M{"status": models.InviteStatusExhausted, "updated_at": time.Now()}},
		)
		if err != nil {
			return true, fmt.Errorf("failed to exhaust invite: %w", err)
		}
	}
	return true, nil
}

func (r *inviteRepository) MarkAutoDeleted(ctx context.Context, id primitive.ObjectID) error {
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"teaser_post_ref": "", "updated_at": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark invite post auto-deleted: %w", err)
	}
	return nil
}

type ConversionRepository interface {
	Create(ctx context.Context, conversion *models.FunnelConversion) error
	SetVerified(ctx context.Context, id primitive.ObjectID, verified bool) error
}

type conversionRepository struct {
	collection *mongo.Collection
}

func NewConversionRepository(db *mongo.Database) ConversionRepository {
	return &conversionRepository{collection: db.Collection("funnel_conversions")}
}

func (r *conversionRepository) Create(ctx context.Context, conversion *models.FunnelConversion) error {
	conversion.CreatedAt = time.Now()
	conversion.Status = models.ConversionStatusPending

	result, err := r.collection.InsertOne(ctx, conversion)
	if err != nil {
		return fmt.Errorf("failed to create funnel conversion: %w", err)
	}
	conversion.ID = result.InsertedID.(primitive.ObjectID)
	return nil
}

func (r *conversionRepository) SetVerified(ctx context.Context, id primitive.ObjectID, verified bool) error {
	status := models.ConversionStatusRejected
	if verified {
		status = models.ConversionStatusVerified
	}

	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": id},
		bson.M{"$set": bson.M{"verified_as_partner": verified, "status": status}},
	)
	if err != nil {
		return fmt.Errorf("failed to set conversion verification: %w", err)
	}
	return nil
}
