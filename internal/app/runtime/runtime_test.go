package runtime

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/db/postgres"
	"loan-sync-worker/internal/pkg/kafka"
	"loan-sync-worker/internal/pkg/pubsub"
	storemodels "loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/bulksync"
	"loan-sync-worker/internal/service/canonicalizer"
	"loan-sync-worker/internal/service/interfaces"
	"loan-sync-worker/internal/service/normalizer"

	mongopkg "loan-sync-worker/internal/pkg/db/mongo"
	redispkg "loan-sync-worker/internal/pkg/db/redis"

	confluent "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const testConfigPath = "../../../configs/config.yaml"

type fakeProducer struct {
	closed atomic.Bool
}

func (p *fakeProducer) Produce(msg *confluent.Message, deliveryChan chan confluent.Event) error {
	return nil
}

func (p *fakeProducer) Flush(timeoutMs int) int { return 0 }

func (p *fakeProducer) Close() { p.closed.Store(true) }

type stubs struct {
	producer    *fakeProducer
	redis       *redisv9.Client
	indexedColl []string
}

// installStubs replaces every network-facing constructor and restores them
// when the test ends.
func installStubs(t *testing.T) *stubs {
	t.Helper()
	origLoad, origMongo, origIndexes := loadConfig, connectMongoDB, ensureIndexes
	origRedis, origKafka, origGCS := connectRedisDB, newDeadLetterProducer, newGCSClient
	t.Cleanup(func() {
		loadConfig, connectMongoDB, ensureIndexes = origLoad, origMongo, origIndexes
		connectRedisDB, newDeadLetterProducer, newGCSClient = origRedis, origKafka, origGCS
	})

	s := &stubs{
		producer: &fakeProducer{},
		redis:    redisv9.NewClient(&redisv9.Options{Addr: "127.0.0.1:0"}),
	}

	loadConfig = func() (*config.AppConfig, error) {
		return config.LoadFromConfigFilePath(testConfigPath)
	}
	connectMongoDB = func(ctx context.Context, cfg config.MongoConfig) (*mongopkg.MongoClient, error) {
		// Connect does not dial until the first operation
		client, err := mongodriver.Connect(ctx, options.Client().ApplyURI("mongodb://127.0.0.1:0"))
		require.NoError(t, err)
		return &mongopkg.MongoClient{Client: client, Database: client.Database(cfg.DBName)}, nil
	}
	ensureIndexes = func(ctx context.Context, client *mongopkg.MongoClient, collections []string) error {
		s.indexedColl = collections
		return nil
	}
	connectRedisDB = func(ctx context.Context, cfg config.RedisConfig) (*redispkg.RedisClient, error) {
		return &redispkg.RedisClient{Client: s.redis}, nil
	}
	newDeadLetterProducer = func(cfg config.KafkaConfig) (*kafka.DeadLetterProducer, error) {
		return kafka.NewDeadLetterProducerWithInterface(s.producer, cfg.DeadLetterTopic), nil
	}
	return s
}

func TestNewSuccessWithStubs(t *testing.T) {
	s := installStubs(t)

	app, err := New(context.Background())
	require.NoError(t, err)

	assert.NotNil(t, app.Dispatcher)
	assert.NotNil(t, app.BulkSync)
	assert.NotNil(t, app.Source)
	assert.NotNil(t, app.DeadLetters)
	assert.NotNil(t, app.RedisClient)
	assert.Nil(t, app.GcsClient, "no bucket configured")
	assert.Nil(t, app.Consumer, "consumer is created by Run")
	assert.Equal(t, []string{"user", "solicitude", "offer", "loan", "monthly_payment"}, s.indexedColl)
	assert.Equal(t, []string{"user", "solicitude", "offer", "loan", "monthly_payment"}, app.BulkSync.Tables())

	app.Shutdown(context.Background())
	assert.True(t, s.producer.closed.Load())
	assert.ErrorIs(t, s.redis.Ping(context.Background()).Err(), redisv9.ErrClosed)
}

func TestNewConfigError(t *testing.T) {
	installStubs(t)
	loadConfig = func() (*config.AppConfig, error) {
		return nil, errors.New("bad config")
	}

	_, err := New(context.Background())
	assert.Error(t, err)
}

func TestNewDependencyErrors(t *testing.T) {
	// redisOpened: the redis client opened before the failure must be closed
	tests := []struct {
		name        string
		fail        func(s *stubs)
		redisOpened bool
	}{
		{
			name: "mongo",
			fail: func(s *stubs) {
				connectMongoDB = func(ctx context.Context, cfg config.MongoConfig) (*mongopkg.MongoClient, error) {
					return nil, errors.New("mongo failed")
				}
			},
		},
		{
			name: "indexes",
			fail: func(s *stubs) {
				ensureIndexes = func(ctx context.Context, client *mongopkg.MongoClient, collections []string) error {
					return errors.New("duplicate key")
				}
			},
		},
		{
			name: "redis",
			fail: func(s *stubs) {
				connectRedisDB = func(ctx context.Context, cfg config.RedisConfig) (*redispkg.RedisClient, error) {
					return nil, errors.New("redis failed")
				}
			},
		},
		{
			name: "kafka",
			fail: func(s *stubs) {
				newDeadLetterProducer = func(cfg config.KafkaConfig) (*kafka.DeadLetterProducer, error) {
					return nil, errors.New("kafka failed")
				}
			},
			redisOpened: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := installStubs(t)
			tt.fail(s)

			_, err := New(context.Background())
			require.Error(t, err)
			if tt.redisOpened {
				assert.ErrorIs(t, s.redis.Ping(context.Background()).Err(), redisv9.ErrClosed)
			}
		})
	}
}

func TestNewConsumerByDriver(t *testing.T) {
	origPubSub := pubsub.NewPubSubConsumer
	defer func() { pubsub.NewPubSubConsumer = origPubSub }()

	pubsub.NewPubSubConsumer = func(ctx context.Context, projectID string) (*pubsub.PubSubConsumer, error) {
		return &pubsub.PubSubConsumer{PubSubClient: &mockPubSubClient{}, Ctx: ctx}, nil
	}

	app := &App{Cfg: &config.AppConfig{
		Bus:    config.BusConfig{Driver: config.BusDriverAMQP},
		PubSub: config.PubSubConfig{ProjectID: "p", SubscriptionPrefix: "ml-sync-", MaxOutstanding: 7},
	}}

	c, err := app.newConsumer(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &amqpConsumer{}, c)
	assert.Len(t, c.(*amqpConsumer).kinds, len(storemodels.AllKinds))

	app.Cfg.Bus.Driver = config.BusDriverPubSub
	c, err = app.newConsumer(context.Background())
	require.NoError(t, err)
	ps, ok := c.(*pubSubConsumer)
	require.True(t, ok)
	assert.Equal(t, "ml-sync-", ps.prefix)
	assert.Equal(t, 7, ps.consumer.MaxOutstanding)

	pubsub.NewPubSubConsumer = func(ctx context.Context, projectID string) (*pubsub.PubSubConsumer, error) {
		return nil, errors.New("pubsub failed")
	}
	_, err = app.newConsumer(context.Background())
	assert.Error(t, err)

	app.Cfg.Bus.Driver = "sqs"
	_, err = app.newConsumer(context.Background())
	assert.Error(t, err)
}

type mockPubSubClient struct{}

func (m *mockPubSubClient) Subscriber(subscription string) interfaces.SubscriberInterface {
	return nil
}

func (m *mockPubSubClient) Close() error { return nil }

type fakeConsumer struct {
	run    func(ctx context.Context) error
	closed atomic.Bool
}

func (f *fakeConsumer) Run(ctx context.Context) error { return f.run(ctx) }

func (f *fakeConsumer) Close() error {
	f.closed.Store(true)
	return nil
}

type emptySource struct{}

func (emptySource) ReadTable(context.Context, string) ([]postgres.Row, error) { return nil, nil }

type discardTarget struct{}

func (discardTarget) ReplaceAll(_ context.Context, _ storemodels.EntityKind, docs []storemodels.Document, _ int) (int64, error) {
	return int64(len(docs)), nil
}

func newRunnableApp(consumer Consumer) *App {
	norm := normalizer.New(canonicalizer.New())
	return &App{
		Cfg: &config.AppConfig{
			Server:   config.ServerConfig{Port: 0, ShutdownTimeout: time.Second},
			BulkSync: config.BulkSyncConfig{Interval: time.Hour},
		},
		BulkSync: bulksync.New(emptySource{}, discardTarget{}, norm),
		Consumer: consumer,
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	consumer := &fakeConsumer{run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}}
	app := newRunnableApp(consumer)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.True(t, consumer.closed.Load())
	assert.NotNil(t, app.HTTPServer)
}

func TestRunReturnsConsumerFailure(t *testing.T) {
	giveUp := errors.New("message bus unreachable after all retries")
	consumer := &fakeConsumer{run: func(ctx context.Context) error { return giveUp }}
	app := newRunnableApp(consumer)

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, giveUp)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after consumer failure")
	}
	assert.True(t, consumer.closed.Load())
}

func TestResyncUsesConfiguredTables(t *testing.T) {
	app := newRunnableApp(nil)

	report, err := app.Resync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, bulksync.TriggerCLI, report.Trigger)
	assert.Equal(t, []string{"user", "solicitude", "offer", "loan", "monthly_payment"}, report.SyncedTables())

	report, err = app.Resync(context.Background(), []string{"loan"})
	require.NoError(t, err)
	assert.Equal(t, []string{"loan"}, report.SyncedTables())

	_, err = app.Resync(context.Background(), []string{"sync_status"})
	assert.ErrorIs(t, err, bulksync.ErrUnknownTable)
}
