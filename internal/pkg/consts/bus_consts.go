package consts

const (
	OperationInsert = "insert"
	OperationUpdate = "update"
	OperationDelete = "delete"

	ActionAck     = "ACK"
	ActionNack    = "NACK"
	ActionRequeue = "REQUEUE"

	ExchangeKindTopic = "topic"
	RoutingKeySuffix  = ".*"
)

// Dead-letter record headers
const (
	HeaderEntityKind = "entity_kind"
	HeaderOperation  = "operation"
	HeaderReason     = "reason"
	HeaderTraceID    = "trace_id"
)

// Dead-letter reasons
const (
	ReasonMalformedPayload = "malformed_payload"
	ReasonMissingID        = "missing_id"
	ReasonUnknownOperation = "unknown_operation"
	ReasonNormalization    = "normalization_failed"
	ReasonStoreError       = "store_error"
	ReasonUnknownKind      = "unknown_kind"
)
