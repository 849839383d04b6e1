package sync_status

import (
	"context"
	"errors"
	"log/slog"

	"loan-sync-worker/internal/pkg/consts"
	mongodb "loan-sync-worker/internal/pkg/db/mongo"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/pkg/store/repository"
	"loan-sync-worker/internal/service/interfaces"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type SyncStatusRepository struct {
	repo interfaces.SyncStatusStoreInterface
}

func NewSyncStatusRepository(client *mongodb.MongoClient) *SyncStatusRepository {
	collection := client.Database.Collection(consts.SyncStatusCollection)
	repo := repository.NewMongoRepository[models.SyncStatus](collection)
	return &SyncStatusRepository{repo: repo}
}

func NewSyncStatusRepositoryWithInterface(repo interfaces.SyncStatusStoreInterface) *SyncStatusRepository {
	return &SyncStatusRepository{repo: repo}
}

// Get returns the last recorded bulk sync, or nil if none has completed yet.
func (r *SyncStatusRepository) Get(ctx context.Context) (*models.SyncStatus, error) {
	status, err := r.repo.FindOne(ctx, bson.M{consts.InternalIDField: consts.SyncStatusDocID}, options.FindOne())
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			logger.CtxDebug(ctx, "No bulk sync recorded yet")
			return nil, nil
		}
		logger.CtxError(ctx, "Error reading sync status", err)
		return nil, err
	}
	return &status, nil
}

func (r *SyncStatusRepository) Save(ctx context.Context, status models.SyncStatus) error {
	update := bson.M{
		"last_sync":     status.LastSync,
		"started_at":    status.StartedAt,
		"synced_tables": nonNil(status.SyncedTables),
		"failed_tables": nonNil(status.FailedTables),
		"records":       status.Records,
	}
	if err := r.repo.Upsert(ctx, bson.M{consts.InternalIDField: consts.SyncStatusDocID}, update); err != nil {
		logger.CtxError(ctx, log_messages.ErrorSaveSyncStatus, err)
		return err
	}
	logger.CtxInfo(ctx, "Sync status saved",
		slog.String("last_sync", status.LastSync),
		slog.Int("synced", len(status.SyncedTables)),
		slog.Int("failed", len(status.FailedTables)),
	)
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
