package cleanup

import (
	"context"
	"net/http"
	"time"

	"loan-sync-worker/internal/pkg/db/mongo"
	"loan-sync-worker/internal/pkg/db/redis"
	"loan-sync-worker/internal/pkg/gcs"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
)

type closer interface{ Close() error }

// Resources lists everything the worker holds open. Nil fields are skipped.
type Resources struct {
	Server       *http.Server
	Consumer     closer
	DeadLetters  closer
	Source       closer
	MongoClient  *mongo.MongoClient
	RedisClient  *redis.RedisClient
	GcsClient    gcs.GcsInterface
	OtelShutdown func(context.Context) error
}

// CleanupResources closes in dependency order: stop taking HTTP requests,
// stop consuming, flush the dead-letter stream, then release the stores.
func CleanupResources(ctx context.Context, res Resources, timeout time.Duration) {
	logger.CtxInfo(ctx, log_messages.CleanupStarted)
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	cleanupHTTPServer(ctx, res.Server, timeout)
	cleanupCloser(ctx, res.Consumer, "Message bus consumer")
	cleanupCloser(ctx, res.DeadLetters, "Kafka dead-letter producer")
	cleanupCloser(ctx, res.Source, "Postgres reader")
	cleanupMongoResource(ctx, res.MongoClient)
	cleanupRedisResource(ctx, res.RedisClient)
	cleanupGCSResource(ctx, res.GcsClient)
	cleanupOtel(ctx, res.OtelShutdown, timeout)

	logger.CtxInfo(ctx, log_messages.CleanupCompleted)
}

func cleanupCloser(ctx context.Context, resource closer, resourceName string) {
	if resource == nil {
		return
	}
	if err := resource.Close(); err != nil {
		logger.CtxError(ctx, "Failed to close "+resourceName, err)
	} else {
		logger.CtxInfo(ctx, resourceName+" closed successfully")
	}
}

func cleanupMongoResource(ctx context.Context, mongoClient *mongo.MongoClient) {
	if mongoClient == nil || mongoClient.Client == nil {
		return
	}
	mongoCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := mongo.Disconnect(mongoCtx, mongoClient.Client); err != nil {
		logger.CtxError(mongoCtx, "Failed to disconnect MongoDB client", err)
	} else {
		logger.CtxInfo(mongoCtx, "MongoDB client disconnected successfully")
	}
}

func cleanupRedisResource(ctx context.Context, redisClient *redis.RedisClient) {
	if redisClient == nil || redisClient.Client == nil {
		return
	}
	if err := redis.Disconnect(redisClient.Client); err != nil {
		logger.CtxError(ctx, "Failed to close Redis client", err)
	} else {
		logger.CtxInfo(ctx, "Redis client closed successfully")
	}
}

func cleanupHTTPServer(ctx context.Context, server *http.Server, timeout time.Duration) {
	if server == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.CtxError(ctx, "Failed to shutdown HTTP server", err)
	} else {
		logger.CtxInfo(ctx, "HTTP server shutdown successfully")
	}
}

func cleanupGCSResource(ctx context.Context, gcsClient gcs.GcsInterface) {
	if gcsClient == nil {
		return
	}
	gcsClient.Close(ctx)
}

func cleanupOtel(ctx context.Context, shutdown func(context.Context) error, timeout time.Duration) {
	if shutdown == nil {
		return
	}
	otelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := shutdown(otelCtx); err != nil {
		logger.CtxError(ctx, "Failed to flush telemetry", err)
	}
}
