package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/models"
	"loan-sync-worker/internal/pkg/otel"
	"loan-sync-worker/internal/pkg/store/impl/entities"
	storemodels "loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/interfaces"
	"loan-sync-worker/internal/service/normalizer"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var validate *validator.Validate = validator.New()

var (
	ErrMissingID        = normalizer.ErrMissingID
	ErrUnknownKind      = normalizer.ErrUnknownKind
	ErrMalformedPayload = normalizer.ErrMalformedPayload
	ErrUnknownOperation = errors.New("unknown operation")
)

// RequeueError tells a bus consumer to return the message for redelivery
// instead of acknowledging it.
type RequeueError struct {
	Err error
}

func (e *RequeueError) Error() string {
	return fmt.Sprintf("message requeued: %v", e.Err)
}

func (e *RequeueError) Unwrap() error {
	return e.Err
}

// Engine applies canonical records to the destination store.
type Engine interface {
	Upsert(ctx context.Context, doc storemodels.Document) (entities.UpsertOutcome, error)
	Delete(ctx context.Context, kind storemodels.EntityKind, id int64) (entities.DeleteOutcome, error)
}

// Recorder counts dispatch outcomes.
type Recorder interface {
	EventApplied(ctx context.Context, kind storemodels.EntityKind, operation, outcome string)
	EventDropped(ctx context.Context, kind storemodels.EntityKind, reason string)
	EventRequeued(ctx context.Context, kind storemodels.EntityKind)
}

// Result describes an applied event.
type Result struct {
	Kind      storemodels.EntityKind
	Operation string
	ID        int64
	Outcome   string
}

type Dispatcher struct {
	normalizer   *normalizer.Normalizer
	engine       Engine
	deadLetters  interfaces.DeadLetterPublisherInterface
	recorder     Recorder
	onStoreError string
	now          func() time.Time
}

type Option func(*Dispatcher)

func WithDeadLetters(publisher interfaces.DeadLetterPublisherInterface) Option {
	return func(d *Dispatcher) { d.deadLetters = publisher }
}

func WithRecorder(recorder Recorder) Option {
	return func(d *Dispatcher) { d.recorder = recorder }
}

// WithStoreErrorPolicy selects between dropping (default) and requeueing
// events whose destination write failed.
func WithStoreErrorPolicy(policy string) Option {
	return func(d *Dispatcher) { d.onStoreError = policy }
}

func New(n *normalizer.Normalizer, engine Engine, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		normalizer:   n,
		engine:       engine,
		onStoreError: config.StoreErrorPolicyDrop,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch routes one change event. insert and update both upsert. Returned
// errors wrapping ErrMissingID, ErrUnknownKind, ErrMalformedPayload,
// ErrUnknownOperation or *normalizer.NormalizationError mean the event can
// never succeed; any other error comes from the destination store.
func (d *Dispatcher) Dispatch(ctx context.Context, kind storemodels.EntityKind, operation string, payload []byte) (Result, error) {
	result := Result{Kind: kind, Operation: operation}

	switch operation {
	case consts.OperationInsert, consts.OperationUpdate:
		doc, err := d.normalizer.Normalize(kind, payload)
		if err != nil {
			return result, err
		}
		result.ID = doc.BusinessID()
		outcome, err := d.engine.Upsert(ctx, doc)
		if err != nil {
			return result, err
		}
		result.Outcome = string(outcome)
		return result, nil

	case consts.OperationDelete:
		if !isObject(payload) {
			return result, ErrMalformedPayload
		}
		id, ok := normalizer.ResolveID(payload)
		if !ok {
			return result, ErrMissingID
		}
		if !d.normalizer.Accepts(kind) {
			return result, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
		}
		result.ID = id
		outcome, err := d.engine.Delete(ctx, kind, id)
		if err != nil {
			return result, err
		}
		result.Outcome = string(outcome)
		return result, nil

	default:
		return result, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
}

// HandleDelivery decodes the bus envelope and dispatches it. A nil return
// means the message should be acknowledged, *RequeueError that it should be
// redelivered.
func (d *Dispatcher) HandleDelivery(ctx context.Context, delivery models.Delivery) error {
	kind := storemodels.EntityKind(delivery.EntityKind)
	if kind == "" {
		kind = KindFromRoutingKey(delivery.RoutingKey)
	}

	traceID := uuid.NewString()
	ctx = logger.WithTraceID(ctx, traceID)
	ctx, span := otel.GetTracer().Start(ctx, "dispatch "+kind.String())
	defer span.End()
	span.SetAttributes(
		attribute.String("entity_kind", kind.String()),
		attribute.String("routing_key", delivery.RoutingKey),
	)

	var event models.ChangeEvent
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		d.drop(ctx, kind, "", consts.ReasonMalformedPayload, log_messages.ErrorMalformedEvent, err, delivery.Body, traceID)
		return nil
	}
	if bytes.Equal(bytes.TrimSpace(event.Data), []byte("null")) {
		event.Data = nil
	}
	if err := validateEvent(event); err != nil {
		reason, msg := classify(err)
		d.drop(ctx, kind, event.Operation, reason, msg, err, delivery.Body, traceID)
		return nil
	}
	span.SetAttributes(attribute.String("operation", event.Operation))

	result, err := d.Dispatch(ctx, kind, event.Operation, event.Data)
	if err == nil {
		span.SetAttributes(attribute.Int64("id", result.ID), attribute.String("outcome", result.Outcome))
		if d.recorder != nil {
			d.recorder.EventApplied(ctx, kind, event.Operation, result.Outcome)
		}
		logger.CtxInfo(ctx, log_messages.InfoEventApplied,
			slog.String("entity_kind", kind.String()),
			slog.String("operation", event.Operation),
			slog.Int64("id", result.ID),
			slog.String("outcome", result.Outcome))
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if reason, msg, permanent := permanentFailure(err); permanent {
		d.drop(ctx, kind, event.Operation, reason, msg, err, delivery.Body, traceID)
		return nil
	}

	if d.onStoreError == config.StoreErrorPolicyRequeue {
		logger.CtxError(ctx, log_messages.ErrorStoreWriteFailed, err,
			slog.String("entity_kind", kind.String()),
			slog.Int64("id", result.ID),
			slog.String("action", consts.ActionRequeue))
		if d.recorder != nil {
			d.recorder.EventRequeued(ctx, kind)
		}
		return &RequeueError{Err: err}
	}
	d.drop(ctx, kind, event.Operation, consts.ReasonStoreError, log_messages.ErrorStoreWriteFailed, err, delivery.Body, traceID)
	return nil
}

func (d *Dispatcher) drop(ctx context.Context, kind storemodels.EntityKind, operation, reason, msg string, cause error, body []byte, traceID string) {
	logger.CtxError(ctx, msg, cause,
		slog.String("entity_kind", kind.String()),
		slog.String("operation", operation),
		slog.String("reason", reason),
		slog.String("action", consts.ActionAck))

	if d.recorder != nil {
		d.recorder.EventDropped(ctx, kind, reason)
	}
	if d.deadLetters == nil {
		return
	}

	letter := models.DeadLetterMessage{
		EntityKind: kind.String(),
		Operation:  operation,
		Reason:     reason,
		TraceID:    traceID,
		FailedAt:   d.now().UTC(),
	}
	if cause != nil {
		letter.Error = cause.Error()
	}
	if json.Valid(body) {
		letter.Payload = json.RawMessage(body)
	} else {
		letter.Payload, _ = json.Marshal(string(body))
	}
	if err := d.deadLetters.PublishDeadLetter(ctx, letter); err != nil {
		logger.CtxError(ctx, log_messages.ErrorDeadLetterPublish, err, slog.String("reason", reason))
	}
}

// KindFromRoutingKey takes the entity kind from a "{kind}.{operation}" routing key.
func KindFromRoutingKey(routingKey string) storemodels.EntityKind {
	kind, _, _ := strings.Cut(routingKey, ".")
	return storemodels.EntityKind(kind)
}

// validateEvent checks data before operation so an event lacking both is
// reported as missing its id.
func validateEvent(event models.ChangeEvent) error {
	if err := validate.Var(event.Data, "required"); err != nil {
		return fmt.Errorf("%w: data is empty", ErrMissingID)
	}
	if err := validate.Struct(event); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				if fe.Field() == "Operation" {
					return fmt.Errorf("%w: %q", ErrUnknownOperation, event.Operation)
				}
			}
		}
		return err
	}
	return nil
}

func classify(err error) (reason, msg string) {
	if reason, msg, ok := permanentFailure(err); ok {
		return reason, msg
	}
	return consts.ReasonMalformedPayload, log_messages.ErrorMalformedEvent
}

func permanentFailure(err error) (reason, msg string, ok bool) {
	var normErr *normalizer.NormalizationError
	switch {
	case errors.Is(err, ErrMissingID):
		return consts.ReasonMissingID, log_messages.ErrorEventMissingID, true
	case errors.Is(err, ErrMalformedPayload):
		return consts.ReasonMalformedPayload, log_messages.ErrorMalformedEvent, true
	case errors.Is(err, ErrUnknownOperation):
		return consts.ReasonUnknownOperation, log_messages.ErrorUnknownOperation, true
	case errors.Is(err, ErrUnknownKind):
		return consts.ReasonUnknownKind, log_messages.UnknownKindDropped, true
	case errors.As(err, &normErr):
		return consts.ReasonNormalization, log_messages.ErrorNormalizationFailed, true
	}
	return "", "", false
}

func isObject(payload []byte) bool {
	return gjson.ValidBytes(payload) && gjson.ParseBytes(payload).IsObject()
}
