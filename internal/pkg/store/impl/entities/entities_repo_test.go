package entities

import (
	"context"
	"errors"
	"sync"
	"testing"

	mongodb "loan-sync-worker/internal/pkg/db/mongo"
	"loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/interfaces"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// memoryStore is an in-memory collection with a unique index on id.
type memoryStore struct {
	mu   sync.Mutex
	docs map[int64]bson.M

	findErr       error
	createErr     error
	replaceErr    error
	deleteErr     error
	createManyErr error
	// beforeReplace runs once between find and replace.
	beforeReplace func(s *memoryStore)
	// beforeCreate runs once before an insert.
	beforeCreate func(s *memoryStore)
	createCalls  int
	replaceCalls int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: map[int64]bson.M{}}
}

func toM(doc interface{}) bson.M {
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		panic(err)
	}
	return m
}

func (s *memoryStore) FindOne(_ context.Context, filter interface{}, _ *options.FindOneOptions) (models.StoredHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return models.StoredHeader{}, s.findErr
	}
	id := filter.(bson.M)["id"].(int64)
	doc, ok := s.docs[id]
	if !ok {
		return models.StoredHeader{}, mongo.ErrNoDocuments
	}
	var header models.StoredHeader
	raw, _ := bson.Marshal(doc)
	_ = bson.Unmarshal(raw, &header)
	return header, nil
}

func (s *memoryStore) Create(_ context.Context, document interface{}) (*mongo.InsertOneResult, error) {
	s.mu.Lock()
	hook := s.beforeCreate
	s.beforeCreate = nil
	s.mu.Unlock()
	if hook != nil {
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	m := toM(document)
	id := m["id"].(int64)
	if _, exists := s.docs[id]; exists {
		return nil, mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	}
	if _, ok := m["_id"]; !ok {
		m["_id"] = primitive.NewObjectID()
	}
	s.docs[id] = m
	return &mongo.InsertOneResult{InsertedID: m["_id"]}, nil
}

func (s *memoryStore) CreateMany(ctx context.Context, documents []interface{}) (int, error) {
	if s.createManyErr != nil {
		return 0, s.createManyErr
	}
	for i, d := range documents {
		if _, err := s.Create(ctx, d); err != nil {
			return i, err
		}
	}
	return len(documents), nil
}

func (s *memoryStore) Replace(_ context.Context, filter interface{}, replacement interface{}) (*mongo.UpdateResult, error) {
	s.mu.Lock()
	hook := s.beforeReplace
	s.beforeReplace = nil
	s.mu.Unlock()
	if hook != nil {
		hook(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceCalls++
	if s.replaceErr != nil {
		return nil, s.replaceErr
	}
	oid := filter.(bson.M)["_id"].(primitive.ObjectID)
	for id, doc := range s.docs {
		if doc["_id"] == oid {
			m := toM(replacement)
			m["_id"] = oid
			delete(s.docs, id)
			s.docs[m["id"].(int64)] = m
			return &mongo.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
		}
	}
	return &mongo.UpdateResult{}, nil
}

func (s *memoryStore) DeleteOne(_ context.Context, filter interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	id := filter.(bson.M)["id"].(int64)
	if _, ok := s.docs[id]; !ok {
		return 0, nil
	}
	delete(s.docs, id)
	return 1, nil
}

func (s *memoryStore) DeleteMany(_ context.Context, _ interface{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	n := int64(len(s.docs))
	s.docs = map[int64]bson.M{}
	return n, nil
}

func (s *memoryStore) get(id int64) bson.M {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[id]
}

func (s *memoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func singleStore(store *memoryStore) StoreProvider {
	return func(models.EntityKind) interfaces.EntityStoreInterface { return store }
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	args := m.Called(ctx, key)
	release, _ := args.Get(0).(func(context.Context) error)
	return release, args.Error(1)
}

func user(id int64, name string) *models.User {
	return &models.User{ID: id, Name: name, UserType: "prestatario", CreatedAt: "2025-05-19T22:39:00"}
}

func TestUpsert_InsertThenReplacePreservesInternalID(t *testing.T) {
	store := newMemoryStore()
	repo := NewEntitiesRepositoryWithInterface(singleStore(store))
	ctx := context.Background()

	outcome, err := repo.Upsert(ctx, user(1, "Ana"))
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)
	firstID := store.get(1)["_id"]

	outcome, err = repo.Upsert(ctx, user(1, "Ana Maria"))
	require.NoError(t, err)
	assert.Equal(t, Replaced, outcome)

	assert.Equal(t, 1, store.len())
	assert.Equal(t, "Ana Maria", store.get(1)["name"])
	assert.Equal(t, firstID, store.get(1)["_id"])
}

func TestUpsert_IdempotentUnderRedelivery(t *testing.T) {
	store := newMemoryStore()
	repo := NewEntitiesRepositoryWithInterface(singleStore(store))
	ctx := context.Background()

	_, err := repo.Upsert(ctx, user(7, "Luis"))
	require.NoError(t, err)
	snapshot := store.get(7)

	for i := 0; i < 5; i++ {
		outcome, err := repo.Upsert(ctx, user(7, "Luis"))
		require.NoError(t, err)
		assert.Equal(t, Replaced, outcome)
	}

	assert.Equal(t, 1, store.len())
	assert.Equal(t, snapshot, store.get(7))
}

func TestUpsert_WholeRecordReplace(t *testing.T) {
	store := newMemoryStore()
	repo := NewEntitiesRepositoryWithInterface(singleStore(store))
	ctx := context.Background()

	email := "ana@example.com"
	first := user(1, "Ana")
	first.Email = &email
	_, err := repo.Upsert(ctx, first)
	require.NoError(t, err)

	_, err = repo.Upsert(ctx, user(1, "Ana"))
	require.NoError(t, err)

	assert.Nil(t, store.get(1)["email"])
}

func TestUpsert_ConcurrentInsertFallsBackToReplace(t *testing.T) {
	store := newMemoryStore()
	repo := NewEntitiesRepositoryWithInterface(singleStore(store))

	// another worker inserts the same id after our lookup missed
	store.beforeCreate = func(s *memoryStore) {
		s.mu.Lock()
		s.docs[3] = bson.M{"_id": primitive.NewObjectID(), "id": int64(3), "name": "other"}
		s.mu.Unlock()
	}

	outcome, err := repo.Upsert(context.Background(), user(3, "mine"))

	require.NoError(t, err)
	assert.Equal(t, Replaced, outcome)
	assert.Equal(t, "mine", store.get(3)["name"])
	assert.Equal(t, 1, store.len())
}

func TestUpsert_DeletedBetweenFindAndReplace(t *testing.T) {
	store := newMemoryStore()
	repo := NewEntitiesRepositoryWithInterface(singleStore(store))
	ctx := context.Background()

	_, err := repo.Upsert(ctx, user(4, "v1"))
	require.NoError(t, err)
	oldID := store.get(4)["_id"]

	store.beforeReplace = func(s *memoryStore) {
		s.mu.Lock()
		delete(s.docs, 4)
		s.mu.Unlock()
	}

	outcome, err := repo.Upsert(ctx, user(4, "v2"))

	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)
	assert.Equal(t, "v2", store.get(4)["name"])
	assert.Equal(t, oldID, store.get(4)["_id"])
}

func TestUpsert_StoreErrorsSurface(t *testing.T) {
	boom := errors.New("store unavailable")

	t.Run("find", func(t *testing.T) {
		store := newMemoryStore()
		store.findErr = boom
		_, err := NewEntitiesRepositoryWithInterface(singleStore(store)).Upsert(context.Background(), user(1, "a"))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("insert", func(t *testing.T) {
		store := newMemoryStore()
		store.createErr = boom
		_, err := NewEntitiesRepositoryWithInterface(singleStore(store)).Upsert(context.Background(), user(1, "a"))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("replace", func(t *testing.T) {
		store := newMemoryStore()
		repo := NewEntitiesRepositoryWithInterface(singleStore(store))
		_, err := repo.Upsert(context.Background(), user(1, "a"))
		require.NoError(t, err)

		store.replaceErr = boom
		_, err = repo.Upsert(context.Background(), user(1, "b"))
		assert.ErrorIs(t, err, boom)
	})
}

func TestUpsert_GivesUpOnPersistentDuplicates(t *testing.T) {
	store := newMemoryStore()
	store.findErr = nil
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000}}}
	store.createErr = dup

	_, err := NewEntitiesRepositoryWithInterface(singleStore(store)).Upsert(context.Background(), user(1, "a"))

	assert.ErrorIs(t, err, ErrConcurrentWrite)
	assert.Equal(t, upsertAttempts, store.createCalls)
}

func TestUpsert_StaleWriteGuard(t *testing.T) {
	loan := func(updatedAt string, amount float64) *models.Loan {
		return &models.Loan{ID: 10, LoanAmount: amount, UpdatedAt: updatedAt}
	}
	ctx := context.Background()

	t.Run("disabled keeps last write", func(t *testing.T) {
		store := newMemoryStore()
		repo := NewEntitiesRepositoryWithInterface(singleStore(store))

		_, _ = repo.Upsert(ctx, loan("2025-06-02T00:00:00", 200))
		outcome, err := repo.Upsert(ctx, loan("2025-06-01T00:00:00", 100))

		require.NoError(t, err)
		assert.Equal(t, Replaced, outcome)
		assert.Equal(t, float64(100), store.get(10)["loan_amount"])
	})

	t.Run("enabled rejects older", func(t *testing.T) {
		store := newMemoryStore()
		repo := NewEntitiesRepositoryWithInterface(singleStore(store), WithStaleWriteGuard(true))

		_, _ = repo.Upsert(ctx, loan("2025-06-02T00:00:00", 200))
		outcome, err := repo.Upsert(ctx, loan("2025-06-01T00:00:00", 100))

		require.NoError(t, err)
		assert.Equal(t, SkippedStale, outcome)
		assert.Equal(t, float64(200), store.get(10)["loan_amount"])
	})

	t.Run("enabled accepts equal and newer", func(t *testing.T) {
		store := newMemoryStore()
		repo := NewEntitiesRepositoryWithInterface(singleStore(store), WithStaleWriteGuard(true))

		_, _ = repo.Upsert(ctx, loan("2025-06-02T00:00:00", 200))
		outcome, err := repo.Upsert(ctx, loan("2025-06-02T00:00:00", 250))
		require.NoError(t, err)
		assert.Equal(t, Replaced, outcome)

		outcome, err = repo.Upsert(ctx, loan("2025-06-03T00:00:00", 300))
		require.NoError(t, err)
		assert.Equal(t, Replaced, outcome)
		assert.Equal(t, float64(300), store.get(10)["loan_amount"])
	})
}

func TestUpsert_PassthroughDocument(t *testing.T) {
	store := newMemoryStore()
	repo := NewEntitiesRepositoryWithInterface(singleStore(store))
	ctx := context.Background()

	doc := &models.RawDocument{EntityKind: "guarantor", ID: 2, Fields: map[string]interface{}{"id": float64(2), "fullName": "Luis"}}
	outcome, err := repo.Upsert(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, Inserted, outcome)

	doc2 := &models.RawDocument{EntityKind: "guarantor", ID: 2, Fields: map[string]interface{}{"id": float64(2), "fullName": "Luis P"}}
	outcome, err = repo.Upsert(ctx, doc2)
	require.NoError(t, err)
	assert.Equal(t, Replaced, outcome)
	assert.Equal(t, "Luis P", store.get(2)["fullName"])
	assert.Equal(t, 1, store.len())
}

func TestUpsert_UsesLock(t *testing.T) {
	store := newMemoryStore()
	locker := &mockLocker{}
	released := false
	locker.On("Acquire", mock.Anything, "loan-sync:lock:user:1").
		Return(func(context.Context) error { released = true; return nil }, nil).Once()

	repo := NewEntitiesRepositoryWithInterface(singleStore(store), WithLocker(locker))
	_, err := repo.Upsert(context.Background(), user(1, "Ana"))

	require.NoError(t, err)
	assert.True(t, released)
	locker.AssertExpectations(t)
}

func TestUpsert_LockFailure(t *testing.T) {
	store := newMemoryStore()
	locker := &mockLocker{}
	locker.On("Acquire", mock.Anything, mock.Anything).Return(nil, errors.New("redis down"))

	repo := NewEntitiesRepositoryWithInterface(singleStore(store), WithLocker(locker))
	_, err := repo.Upsert(context.Background(), user(1, "Ana"))

	assert.Error(t, err)
	assert.Zero(t, store.len())
}

func TestDelete(t *testing.T) {
	store := newMemoryStore()
	repo := NewEntitiesRepositoryWithInterface(singleStore(store))
	ctx := context.Background()

	_, err := repo.Upsert(ctx, user(1, "Ana"))
	require.NoError(t, err)

	outcome, err := repo.Delete(ctx, models.KindUser, 1)
	require.NoError(t, err)
	assert.Equal(t, Deleted, outcome)

	outcome, err = repo.Delete(ctx, models.KindUser, 1)
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)

	outcome, err = repo.Delete(ctx, models.KindUser, 999)
	require.NoError(t, err)
	assert.Equal(t, NotFound, outcome)
}

func TestDelete_StoreError(t *testing.T) {
	store := newMemoryStore()
	store.deleteErr = errors.New("down")

	_, err := NewEntitiesRepositoryWithInterface(singleStore(store)).Delete(context.Background(), models.KindLoan, 1)
	assert.Error(t, err)
}

func TestReplaceAll(t *testing.T) {
	ctx := context.Background()

	t.Run("stale records disappear", func(t *testing.T) {
		store := newMemoryStore()
		repo := NewEntitiesRepositoryWithInterface(singleStore(store))
		_, _ = repo.Upsert(ctx, &models.Offer{ID: 5})

		n, err := repo.ReplaceAll(ctx, models.KindOffer, []models.Document{&models.Offer{ID: 6}}, 100)

		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		assert.Nil(t, store.get(5))
		assert.NotNil(t, store.get(6))
	})

	t.Run("batches", func(t *testing.T) {
		store := newMemoryStore()
		repo := NewEntitiesRepositoryWithInterface(singleStore(store))
		docs := make([]models.Document, 0, 7)
		for i := int64(1); i <= 7; i++ {
			docs = append(docs, &models.Offer{ID: i})
		}

		n, err := repo.ReplaceAll(ctx, models.KindOffer, docs, 3)

		require.NoError(t, err)
		assert.Equal(t, int64(7), n)
		assert.Equal(t, 7, store.len())
	})

	t.Run("empty source clears collection", func(t *testing.T) {
		store := newMemoryStore()
		repo := NewEntitiesRepositoryWithInterface(singleStore(store))
		_, _ = repo.Upsert(ctx, &models.Offer{ID: 5})

		n, err := repo.ReplaceAll(ctx, models.KindOffer, nil, 10)

		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Zero(t, store.len())
	})

	t.Run("clear failure", func(t *testing.T) {
		store := newMemoryStore()
		store.deleteErr = errors.New("down")
		_, err := NewEntitiesRepositoryWithInterface(singleStore(store)).ReplaceAll(ctx, models.KindOffer, nil, 10)
		assert.Error(t, err)
	})

	t.Run("insert failure leaves partial state", func(t *testing.T) {
		store := newMemoryStore()
		store.createManyErr = errors.New("insert failed")
		repo := NewEntitiesRepositoryWithInterface(singleStore(store))
		_, _ = repo.Upsert(ctx, &models.Offer{ID: 5})

		_, err := repo.ReplaceAll(ctx, models.KindOffer, []models.Document{&models.Offer{ID: 6}}, 10)

		assert.Error(t, err)
		assert.Zero(t, store.len())
	})
}

func TestNewEntitiesRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("constructor caches one store per kind", func(mt *mtest.T) {
		client := &mongodb.MongoClient{Database: mt.DB}

		repo := NewEntitiesRepository(client, WithStaleWriteGuard(true))

		assert.NotNil(t, repo)
		assert.True(t, repo.staleWriteGuard)
		assert.Same(t, repo.stores(models.KindLoan), repo.stores(models.KindLoan))
		assert.NotSame(t, repo.stores(models.KindLoan), repo.stores(models.KindUser))
	})

	mt.Run("upsert against mock deployment", func(mt *mtest.T) {
		client := &mongodb.MongoClient{Database: mt.DB}
		repo := NewEntitiesRepository(client)

		ns := mt.DB.Name() + ".user"
		mt.AddMockResponses(
			mtest.CreateCursorResponse(0, ns, mtest.FirstBatch),
			mtest.CreateSuccessResponse(),
		)

		outcome, err := repo.Upsert(context.Background(), user(1, "Ana"))

		require.NoError(t, err)
		assert.Equal(t, Inserted, outcome)
	})
}
