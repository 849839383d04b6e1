package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoClient is constructed once at startup and shared by every repository.
type MongoClient struct {
	Client   *mongo.Client
	Database *mongo.Database
}

func ConnectToMongoDB(ctx context.Context, cfg config.MongoConfig) (*MongoClient, error) {
	return connectWithConnector(ctx, cfg, &DefaultMongoConnector{})
}

func connectWithConnector(ctx context.Context, cfg config.MongoConfig, connector MongoConnector) (*MongoClient, error) {

	mongoURI := buildMongoURI(cfg)

	// Redact username and password for safe logging
	safeURI := redactMongoURI(mongoURI)

	logger.CtxInfo(ctx, "Connecting to MongoDB",
		slog.String("uri", safeURI),
		slog.String("database", cfg.DBName),
	)

	connectTimeout := cfg.ConnectTimeout
	clientOpts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(connectTimeout).
		SetServerSelectionTimeout(connectTimeout * 2).
		SetSocketTimeout(connectTimeout * 3).
		SetHeartbeatInterval(10 * time.Second).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize)

	client, err := connector.Connect(ctx, clientOpts)
	if err != nil {
		logger.CtxError(ctx, "Failed to connect to MongoDB", err,
			slog.String("uri", safeURI),
			slog.String("database", cfg.DBName),
		)
		return nil, err
	}

	if err := connector.Ping(ctx, client); err != nil {
		logger.CtxError(ctx, "MongoDB ping failed", err,
			slog.String("uri", safeURI),
			slog.String("database", cfg.DBName),
		)
		return nil, err
	}

	logger.CtxInfo(ctx, "Successfully connected to MongoDB",
		slog.String("uri", safeURI),
		slog.String("database", cfg.DBName),
	)

	return &MongoClient{
		Client:   client,
		Database: client.Database(cfg.DBName),
	}, nil
}

// EnsureIndexes creates the unique business id index on every entity collection.
func (m *MongoClient) EnsureIndexes(ctx context.Context, collections []string) error {
	return ensureBusinessIDIndexes(ctx, collections, func(name string) IndexCreator {
		return m.Database.Collection(name).Indexes()
	})
}

func ensureBusinessIDIndexes(ctx context.Context, collections []string, indexes func(string) IndexCreator) error {
	model := mongo.IndexModel{
		Keys:    bson.D{{Key: consts.BusinessIDField, Value: 1}},
		Options: options.Index().SetUnique(true).SetName(consts.BusinessIDIndex),
	}
	for _, name := range collections {
		if _, err := indexes(name).CreateOne(ctx, model); err != nil {
			logger.CtxError(ctx, "Failed to create business id index", err, slog.String("collection", name))
			return fmt.Errorf("create index on %s: %w", name, err)
		}
		logger.CtxDebug(ctx, "Business id index ready", slog.String("collection", name))
	}
	return nil
}

func Disconnect(ctx context.Context, client *mongo.Client) error {
	return client.Disconnect(ctx)
}

// buildMongoURI injects credentials into the configured URI when a username is set.
func buildMongoURI(cfg config.MongoConfig) string {
	if cfg.Username == "" {
		return cfg.URI
	}
	scheme := "mongodb://"
	rest := cfg.URI
	for _, s := range []string{"mongodb+srv://", "mongodb://"} {
		if strings.HasPrefix(rest, s) {
			scheme = s
			rest = strings.TrimPrefix(rest, s)
			break
		}
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = rest[at+1:]
	}
	return fmt.Sprintf("%s%s:%s@%s", scheme, url.QueryEscape(cfg.Username), url.QueryEscape(cfg.Password), rest)
}

// redactMongoURI hides username and password from a MongoDB URI
func redactMongoURI(uri string) string {
	scheme := "mongodb://"
	if strings.HasPrefix(uri, "mongodb+srv://") {
		scheme = "mongodb+srv://"
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, scheme), "@", 2)
	if len(parts) == 2 {
		return scheme + "***:***@" + parts[1]
	}
	return uri
}
