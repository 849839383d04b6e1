package interfaces

import (
	"context"

	"loan-sync-worker/internal/pkg/store/models"

	"go.mongodb.org/mongo-driver/mongo/options"
)

type SyncStatusStoreInterface interface {
	FindOne(ctx context.Context, filter interface{}, opt *options.FindOneOptions) (models.SyncStatus, error)
	Upsert(ctx context.Context, filter interface{}, update interface{}) error
}
