package repository

import (
	"context"
	"fmt"

	"trafficengine/pkg/database"

	"go.mongodb.org/mongo-driver/mongo"
)

// UnitOfWork commits a dispatcher tick's state changes (record append,
// counter increment, claim resolution) atomically: all of them land, or
// none do.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

type mongoUnitOfWork struct {
	mongo *database.MongoDB
}

func NewUnitOfWork(mongo *database.MongoDB) UnitOfWork {
	return &mongoUnitOfWork{mongo: mongo}
}

func (u *mongoUnitOfWork) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := u.mongo.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		return nil, fn(sessCtx)
	})
	if err != nil {
		return fmt.Errorf("unit of work failed: %w", err)
	}
	return nil
}
