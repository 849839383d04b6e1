package repository

import (
	"context"

	"loan-sync-worker/internal/service/interfaces"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRepository wraps one collection. T is the type FindOne decodes into;
// writes accept any document.
type MongoRepository[T any] struct {
	collection interfaces.MongoRepositoryInterface
}

func NewMongoRepository[T any](collection interfaces.MongoRepositoryInterface) *MongoRepository[T] {
	return &MongoRepository[T]{collection: collection}
}

func (r *MongoRepository[T]) Create(ctx context.Context, document interface{}) (*mongo.InsertOneResult, error) {

	if result, err := r.collection.InsertOne(ctx, document); err != nil {
		return nil, err
	} else {
		return result, nil
	}

}

// CreateMany inserts documents in order and returns how many were written.
func (r *MongoRepository[T]) CreateMany(ctx context.Context, documents []interface{}) (int, error) {
	if len(documents) == 0 {
		return 0, nil
	}

	result, err := r.collection.InsertMany(ctx, documents, options.InsertMany().SetOrdered(true))
	if result == nil {
		return 0, err
	}
	return len(result.InsertedIDs), err
}

// Read a document by filter
func (r *MongoRepository[T]) FindOne(ctx context.Context, filter interface{}, opt *options.FindOneOptions) (T, error) {

	var result T

	if err := r.collection.FindOne(ctx, filter, opt).Decode(&result); err != nil {
		return result, err
	}

	return result, nil

}

// Replace swaps the whole matched document for replacement.
func (r *MongoRepository[T]) Replace(ctx context.Context, filter interface{}, replacement interface{}) (*mongo.UpdateResult, error) {
	return r.collection.ReplaceOne(ctx, filter, replacement)
}

// Upsert sets fields on the matched document, creating it when missing.
func (r *MongoRepository[T]) Upsert(ctx context.Context, filter interface{}, update interface{}) error {

	if _, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": update}, options.Update().SetUpsert(true)); err != nil {
		return err
	}
	return nil

}

// DeleteOne removes the first match and reports how many documents went away.
func (r *MongoRepository[T]) DeleteOne(ctx context.Context, filter interface{}) (int64, error) {

	if deleteResult, err := r.collection.DeleteOne(ctx, filter); err != nil {
		return 0, err
	} else {
		return deleteResult.DeletedCount, nil
	}
}

func (r *MongoRepository[T]) DeleteMany(ctx context.Context, filter interface{}) (int64, error) {

	if deleteResult, err := r.collection.DeleteMany(ctx, filter); err != nil {
		return 0, err
	} else {
		return deleteResult.DeletedCount, nil
	}
}
