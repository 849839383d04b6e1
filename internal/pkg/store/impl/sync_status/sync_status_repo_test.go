package sync_status

import (
	"context"
	"errors"
	"testing"

	mongodb "loan-sync-worker/internal/pkg/db/mongo"
	"loan-sync-worker/internal/pkg/store/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type mockSyncStatusStore struct {
	mock.Mock
}

func (m *mockSyncStatusStore) FindOne(ctx context.Context, filter interface{}, opt *options.FindOneOptions) (models.SyncStatus, error) {
	args := m.Called(ctx, filter, opt)
	status, _ := args.Get(0).(models.SyncStatus)
	return status, args.Error(1)
}

func (m *mockSyncStatusStore) Upsert(ctx context.Context, filter interface{}, update interface{}) error {
	args := m.Called(ctx, filter, update)
	return args.Error(0)
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	filter := bson.M{"_id": "bulk_sync"}

	tests := []struct {
		name      string
		found     models.SyncStatus
		err       error
		expectNil bool
		expectErr bool
	}{
		{
			name:  "status present",
			found: models.SyncStatus{ID: "bulk_sync", LastSync: "2025-05-19T22:39:00", SyncedTables: []string{"user"}},
		},
		{
			name:      "nothing recorded yet",
			err:       mongo.ErrNoDocuments,
			expectNil: true,
		},
		{
			name:      "store failure",
			err:       errors.New("db error"),
			expectNil: true,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mockSyncStatusStore)
			store.On("FindOne", ctx, filter, mock.AnythingOfType("*options.FindOneOptions")).Return(tt.found, tt.err).Once()

			status, err := NewSyncStatusRepositoryWithInterface(store).Get(ctx)

			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			if tt.expectNil {
				assert.Nil(t, status)
			} else {
				require.NotNil(t, status)
				assert.Equal(t, tt.found, *status)
			}
			store.AssertExpectations(t)
		})
	}
}

func TestSave(t *testing.T) {
	ctx := context.Background()

	t.Run("upserts the single status document", func(t *testing.T) {
		store := new(mockSyncStatusStore)
		store.On("Upsert", ctx, bson.M{"_id": "bulk_sync"}, bson.M{
			"last_sync":     "2025-05-19T22:39:00",
			"started_at":    "2025-05-19T22:38:00",
			"synced_tables": []string{"user", "loan"},
			"failed_tables": []string{},
			"records":       map[string]int64{"user": 3, "loan": 2},
		}).Return(nil).Once()

		err := NewSyncStatusRepositoryWithInterface(store).Save(ctx, models.SyncStatus{
			LastSync:     "2025-05-19T22:39:00",
			StartedAt:    "2025-05-19T22:38:00",
			SyncedTables: []string{"user", "loan"},
			Records:      map[string]int64{"user": 3, "loan": 2},
		})

		assert.NoError(t, err)
		store.AssertExpectations(t)
	})

	t.Run("propagates failure", func(t *testing.T) {
		store := new(mockSyncStatusStore)
		store.On("Upsert", ctx, mock.Anything, mock.Anything).Return(errors.New("down")).Once()

		err := NewSyncStatusRepositoryWithInterface(store).Save(ctx, models.SyncStatus{})

		assert.Error(t, err)
	})
}

func TestNewSyncStatusRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("constructor works", func(mt *mtest.T) {
		client := &mongodb.MongoClient{
			Database: mt.DB,
		}

		repo := NewSyncStatusRepository(client)

		assert.NotNil(t, repo)
		assert.NotNil(t, repo.repo)
	})
}
