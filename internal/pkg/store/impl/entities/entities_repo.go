package entities

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

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

type UpsertOutcome string

const (
	Inserted     UpsertOutcome = "inserted"
	Replaced     UpsertOutcome = "replaced"
	SkippedStale UpsertOutcome = "skipped_stale"
)

type DeleteOutcome string

const (
	Deleted  DeleteOutcome = "deleted"
	NotFound DeleteOutcome = "not_found"
)

// upsertAttempts bounds the find-then-write loop when a concurrent writer
// inserts or deletes the same business id in between.
const upsertAttempts = 3

var ErrConcurrentWrite = errors.New("entity changed concurrently on every attempt")

// StoreProvider returns the store backing one entity kind.
type StoreProvider func(kind models.EntityKind) interfaces.EntityStoreInterface

type EntitiesRepository struct {
	stores          StoreProvider
	locker          interfaces.EntityLockerInterface
	staleWriteGuard bool
}

type Option func(*EntitiesRepository)

func WithLocker(locker interfaces.EntityLockerInterface) Option {
	return func(r *EntitiesRepository) { r.locker = locker }
}

// WithStaleWriteGuard skips upserts whose updated_at is older than the stored one.
func WithStaleWriteGuard(enabled bool) Option {
	return func(r *EntitiesRepository) { r.staleWriteGuard = enabled }
}

func NewEntitiesRepository(client *mongodb.MongoClient, opts ...Option) *EntitiesRepository {
	var mu sync.Mutex
	cache := map[models.EntityKind]interfaces.EntityStoreInterface{}
	provider := func(kind models.EntityKind) interfaces.EntityStoreInterface {
		mu.Lock()
		defer mu.Unlock()
		if store, ok := cache[kind]; ok {
			return store
		}
		collection := client.Database.Collection(kind.Collection())
		store := repository.NewMongoRepository[models.StoredHeader](collection)
		cache[kind] = store
		return store
	}
	return NewEntitiesRepositoryWithInterface(provider, opts...)
}

func NewEntitiesRepositoryWithInterface(stores StoreProvider, opts ...Option) *EntitiesRepository {
	r := &EntitiesRepository{stores: stores}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Upsert writes doc under its business id. An existing record is replaced
// whole while keeping its _id; otherwise doc is inserted.
func (r *EntitiesRepository) Upsert(ctx context.Context, doc models.Document) (UpsertOutcome, error) {
	kind, id := doc.Kind(), doc.BusinessID()
	attrs := []slog.Attr{slog.String("entity_kind", kind.String()), slog.Int64("id", id)}

	release, err := r.lock(ctx, kind, id)
	if err != nil {
		return "", err
	}
	defer release()

	store := r.stores(kind)
	filter := bson.M{consts.BusinessIDField: id}
	projection := options.FindOne().SetProjection(bson.M{
		consts.InternalIDField: 1, consts.BusinessIDField: 1, consts.UpdatedAtField: 1,
	})

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		existing, err := store.FindOne(ctx, filter, projection)
		if errors.Is(err, mongo.ErrNoDocuments) {
			if _, err := store.Create(ctx, doc); err != nil {
				if mongo.IsDuplicateKeyError(err) {
					logger.CtxDebug(ctx, "Concurrent insert detected, retrying as replace", attrs...)
					continue
				}
				logger.CtxError(ctx, fmt.Sprintf(log_messages.ErrorFailedToInsertEntity, err), err, attrs...)
				return "", err
			}
			logger.CtxDebug(ctx, "Inserted entity", attrs...)
			return Inserted, nil
		}
		if err != nil {
			logger.CtxError(ctx, fmt.Sprintf(log_messages.ErrorFailedToFindEntity, err), err, attrs...)
			return "", err
		}

		if r.staleWriteGuard && isStale(doc.LastUpdated(), existing.UpdatedAt) {
			logger.CtxWarn(ctx, log_messages.StaleWriteSkipped, append(attrs,
				slog.String("incoming_updated_at", doc.LastUpdated()),
				slog.String("stored_updated_at", existing.UpdatedAt))...)
			return SkippedStale, nil
		}

		doc.SetInternalID(existing.MongoID)
		result, err := store.Replace(ctx, bson.M{consts.InternalIDField: existing.MongoID}, doc)
		if err != nil {
			logger.CtxError(ctx, fmt.Sprintf(log_messages.ErrorFailedToReplaceEntity, err), err, attrs...)
			return "", err
		}
		if result != nil && result.MatchedCount == 0 {
			// deleted between find and replace
			continue
		}
		logger.CtxDebug(ctx, "Replaced entity", append(attrs, slog.String("_id", existing.MongoID.Hex()))...)
		return Replaced, nil
	}

	logger.CtxError(ctx, "Upsert gave up after concurrent writes", ErrConcurrentWrite, attrs...)
	return "", ErrConcurrentWrite
}

// Delete removes the record with the given business id. A missing record is not an error.
func (r *EntitiesRepository) Delete(ctx context.Context, kind models.EntityKind, id int64) (DeleteOutcome, error) {
	attrs := []slog.Attr{slog.String("entity_kind", kind.String()), slog.Int64("id", id)}

	release, err := r.lock(ctx, kind, id)
	if err != nil {
		return "", err
	}
	defer release()

	deleted, err := r.stores(kind).DeleteOne(ctx, bson.M{consts.BusinessIDField: id})
	if err != nil {
		logger.CtxError(ctx, fmt.Sprintf(log_messages.ErrorFailedToDeleteEntity, err), err, attrs...)
		return "", err
	}
	if deleted == 0 {
		logger.CtxDebug(ctx, "Entity to delete not found", attrs...)
		return NotFound, nil
	}
	return Deleted, nil
}

// ReplaceAll clears the collection of kind and inserts docs in batches.
// The two steps are not atomic: a failure leaves the collection empty or partial.
func (r *EntitiesRepository) ReplaceAll(ctx context.Context, kind models.EntityKind, docs []models.Document, batchSize int) (int64, error) {
	store := r.stores(kind)
	attrs := []slog.Attr{slog.String("entity_kind", kind.String())}

	removed, err := store.DeleteMany(ctx, bson.M{})
	if err != nil {
		logger.CtxError(ctx, fmt.Sprintf(log_messages.ErrorFailedToClearEntities, err), err, attrs...)
		return 0, err
	}
	logger.CtxDebug(ctx, "Cleared collection", append(attrs, slog.Int64("removed", removed))...)

	if batchSize <= 0 {
		batchSize = len(docs)
	}

	var written int64
	for start := 0; start < len(docs); start += batchSize {
		end := start + batchSize
		if end > len(docs) {
			end = len(docs)
		}
		batch := make([]interface{}, 0, end-start)
		for _, d := range docs[start:end] {
			batch = append(batch, d)
		}
		n, err := store.CreateMany(ctx, batch)
		written += int64(n)
		if err != nil {
			logger.CtxError(ctx, fmt.Sprintf(log_messages.ErrorFailedToInsertEntity, err), err,
				append(attrs, slog.Int64("written", written))...)
			return written, err
		}
	}
	return written, nil
}

func (r *EntitiesRepository) lock(ctx context.Context, kind models.EntityKind, id int64) (func(), error) {
	if r.locker == nil {
		return func() {}, nil
	}
	release, err := r.locker.Acquire(ctx, models.EntityLockKey(kind, id))
	if err != nil {
		return nil, fmt.Errorf("lock %s/%d: %w", kind, id, err)
	}
	return func() {
		// the caller's context may already be cancelled
		if err := release(context.WithoutCancel(ctx)); err != nil {
			logger.CtxWarn(ctx, "Failed to release entity lock",
				slog.String("entity_kind", kind.String()), slog.Int64("id", id), slog.String("error", err.Error()))
		}
	}, nil
}

// isStale compares canonical timestamps, which order lexicographically.
func isStale(incoming, stored string) bool {
	return incoming != "" && stored != "" && incoming < stored
}
