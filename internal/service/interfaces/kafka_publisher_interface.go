package interfaces

import (
	"context"

	"loan-sync-worker/internal/pkg/models"
)

// DeadLetterPublisherInterface receives every change event the replication path drops.
type DeadLetterPublisherInterface interface {
	PublishDeadLetter(ctx context.Context, msg models.DeadLetterMessage) error
}
