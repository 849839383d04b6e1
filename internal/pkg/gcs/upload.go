package gcs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/models"

	"cloud.google.com/go/storage"
)

const reportTimeLayout = "20060102T150405Z"

type GCSClient struct {
	Client     *storage.Client
	BucketName string
	FolderName string
}

type GcsInterface interface {
	UploadReport(ctx context.Context, report *models.SyncReport) error
	Close(ctx context.Context)
}

func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (GcsInterface, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSClient{
		Client:     client,
		BucketName: cfg.BucketName,
		FolderName: cfg.ReportPrefix,
	}, nil
}

func (g *GCSClient) Close(ctx context.Context) {
	if g.Client == nil {
		return
	}
	if err := g.Client.Close(); err != nil {
		logger.CtxError(ctx, log_messages.ErrorClosingGCSClient, err)
	}
}

// ObjectName is where a report is stored: one object per run, never overwritten.
func (g *GCSClient) ObjectName(report *models.SyncReport) string {
	return fmt.Sprintf("%s/%s_%s.json", g.FolderName, report.StartedAt.UTC().Format(reportTimeLayout), report.RunID)
}

func (g *GCSClient) UploadReport(ctx context.Context, report *models.SyncReport) error {
	objectName := g.ObjectName(report)
	object := g.Client.Bucket(g.BucketName).Object(objectName)
	jsonData, err := json.Marshal(report)
	if err != nil {
		logger.CtxError(ctx, log_messages.ErrorMarshallingJSON, err)
		return err
	}
	writer := object.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	_, err = writer.Write(jsonData)
	if err != nil {
		logger.CtxError(ctx, log_messages.ErrorUploadingToGCSBucket, err)
		return err
	}
	if err := writer.Close(); err != nil {
		logger.CtxError(ctx, log_messages.ErrorClosingGCSWriter, err)
		return err
	}
	logger.CtxInfo(ctx, log_messages.UploadedToGCSBucket, slog.String("objectName", objectName))
	return nil
}
