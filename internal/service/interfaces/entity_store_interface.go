package interfaces

import (
	"context"

	"loan-sync-worker/internal/pkg/store/models"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EntityStoreInterface is one entity collection as seen by the upsert engine.
type EntityStoreInterface interface {
	FindOne(ctx context.Context, filter interface{}, opt *options.FindOneOptions) (models.StoredHeader, error)
	Create(ctx context.Context, document interface{}) (*mongo.InsertOneResult, error)
	CreateMany(ctx context.Context, documents []interface{}) (int, error)
	Replace(ctx context.Context, filter interface{}, replacement interface{}) (*mongo.UpdateResult, error)
	DeleteOne(ctx context.Context, filter interface{}) (int64, error)
	DeleteMany(ctx context.Context, filter interface{}) (int64, error)
}

// EntityLockerInterface serialises writes that share a key.
type EntityLockerInterface interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}
