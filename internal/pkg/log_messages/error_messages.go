package log_messages

const (
	FailureInBusConsumerCreation = "failed to create bus consumer: %v"
	BusErrorConsuming            = "bus consumer error in consuming: %v"
	ServerStartFailure           = "failed to start server: %v"
	ServerShutdown               = "Shutting down server..."
	ServerForcedShutdown         = "Server forced to shutdown: %v"
	ServerExiting                = "Server exiting"
	FailedLoadingConfiguration   = "Failed to load configuration: %v"
	CleanupStarted               = "Starting cleanup of resources..."
	CleanupCompleted             = "All resources cleaned up successfully"

	// Event handling
	ErrorMalformedEvent      = "Dropping malformed event"
	ErrorEventMissingID      = "Dropping event without business id"
	ErrorUnknownOperation    = "Dropping event with unknown operation"
	ErrorNormalizationFailed = "Dropping event that failed normalization"
	ErrorStoreWriteFailed    = "Destination write failed"
	ErrorDeadLetterPublish   = "Failed to publish dead letter"
	UnknownKindPassthrough   = "Unknown entity kind, storing payload unchanged"
	UnknownKindDropped       = "Unknown entity kind, dropping event"
	DateFallbackApplied      = "Unparseable date replaced with current time"
	StaleWriteSkipped        = "Skipping upsert older than stored record"

	// Database operation errors
	ErrorFailedToFindEntity    = "Failed to look up entity: %v"
	ErrorFailedToReplaceEntity = "Failed to replace entity: %v"
	ErrorFailedToInsertEntity  = "Failed to insert entity: %v"
	ErrorFailedToDeleteEntity  = "Failed to delete entity: %v"
	ErrorFailedToClearEntities = "Failed to clear collection: %v"

	// Bulk sync
	BulkSyncStarted        = "Bulk sync started"
	BulkSyncTableFailed    = "Bulk sync failed for table"
	BulkSyncTableCompleted = "Bulk sync completed for table"
	BulkSyncCompleted      = "Bulk sync finished"
	BulkSyncAlreadyRunning = "bulk sync already running"
	BulkSyncUnknownTable   = "table is not configured for bulk sync"
	ErrorSourceExtract     = "Failed to read source table"
	ErrorSaveSyncStatus    = "Failed to save sync status"
	ErrorUploadSyncReport  = "Failed to upload sync report"

	// GCS
	ErrorClosingGCSClient     = "Failed to close GCS client"
	ErrorMarshallingJSON      = "Failed to marshal JSON"
	ErrorUploadingToGCSBucket = "Failed to upload to GCS bucket"
	ErrorClosingGCSWriter     = "Failed to close GCS writer"
	UploadedToGCSBucket       = "Uploaded to GCS bucket"
)

const (
	InfoEventApplied     = "Event applied"
	InfoBusConnected     = "Connected to message bus"
	InfoBusRetry         = "Message bus connection failed, retrying"
	InfoConsumerStarted  = "Consumer started"
	InfoConsumerDraining = "Consumer draining in-flight messages"
	KafkaProducerCreated = "Kafka dead-letter producer created"
)
