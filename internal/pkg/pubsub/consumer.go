package pubsub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/models"
	storemodels "loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/dispatcher"
	"loan-sync-worker/internal/service/interfaces"

	"cloud.google.com/go/pubsub/v2"
)

// RoutingKeyAttribute carries the "{kind}.{operation}" key when the ERP
// publishes through Pub/Sub instead of the AMQP exchange.
const RoutingKeyAttribute = "routing_key"

// Handler processes one delivery. nil acks, *dispatcher.RequeueError nacks.
type Handler func(ctx context.Context, delivery models.Delivery) error

// PubSubClientFactory makes new clients (mockable in tests).
type PubSubClientFactory interface {
	NewPubSubClient(ctx context.Context, projectID string) (interfaces.PubSubClientInterface, error)
}

// defaultPubSubClientFactory creates Google Pub/Sub clients.
type defaultPubSubClientFactory struct{}

func (f *defaultPubSubClientFactory) NewPubSubClient(ctx context.Context,
	projectID string) (interfaces.PubSubClientInterface, error) {
	sdkClient, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &pubSubClientAdapter{client: sdkClient}, nil
}

// pubSubClientAdapter wraps *pubsub.Client
type pubSubClientAdapter struct {
	client *pubsub.Client
}

func (c *pubSubClientAdapter) Subscriber(subscription string) interfaces.SubscriberInterface {
	return &subscriberAdapter{sub: c.client.Subscriber(subscription)}
}

func (c *pubSubClientAdapter) Close() error {
	return c.client.Close()
}

type subscriberAdapter struct {
	sub *pubsub.Subscriber
}

func (s *subscriberAdapter) Receive(ctx context.Context, f func(context.Context, interfaces.MessageInterface)) error {
	return s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		f(ctx, &messageAdapter{msg: m})
	})
}

func (s *subscriberAdapter) SetMaxExtension(d time.Duration) {
	s.sub.ReceiveSettings.MaxExtension = d
}

func (s *subscriberAdapter) SetMaxOutstanding(n int) {
	s.sub.ReceiveSettings.MaxOutstandingMessages = n
}

type messageAdapter struct {
	msg *pubsub.Message
}

func (m *messageAdapter) Data() []byte {
	return m.msg.Data
}

func (m *messageAdapter) Attributes() map[string]string {
	return m.msg.Attributes
}

func (m *messageAdapter) Ack() {
	m.msg.Ack()
}

func (m *messageAdapter) Nack() {
	m.msg.Nack()
}

// PubSubConsumer consumes one subscription per entity kind.
type PubSubConsumer struct {
	PubSubClient   interfaces.PubSubClientInterface
	Ctx            context.Context
	Cancel         context.CancelFunc
	MaxOutstanding int
	RetryDelay     time.Duration

	wg sync.WaitGroup
}

// NewPubSubConsumer is the default constructor for production use.
// Declared as a variable so tests can replace it.
var NewPubSubConsumer = func(ctx context.Context, projectID string) (*PubSubConsumer, error) {
	factory := &defaultPubSubClientFactory{}
	return NewPubSubConsumerWithFactory(ctx, projectID, factory)
}

// Construct with a factory (testable).
func NewPubSubConsumerWithFactory(ctx context.Context, projectID string,
	factory PubSubClientFactory) (*PubSubConsumer, error) {
	client, err := factory.NewPubSubClient(ctx, projectID)
	if err != nil {
		logger.CtxError(ctx, "Failed creating PubSub client", err)
		return nil, err
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	return &PubSubConsumer{
		PubSubClient: client,
		Ctx:          consumerCtx,
		Cancel:       cancel,
		RetryDelay:   5 * time.Second,
	}, nil
}

// Consume one subscription once.
func (c *PubSubConsumer) Consume(ctx context.Context, subscription string, kind storemodels.EntityKind, handler Handler) error {
	sub := c.PubSubClient.Subscriber(subscription)
	sub.SetMaxExtension(-1)
	if c.MaxOutstanding > 0 {
		sub.SetMaxOutstanding(c.MaxOutstanding)
	}
	return sub.Receive(ctx, func(ctx context.Context, m interfaces.MessageInterface) {
		ctx = context.WithoutCancel(ctx)
		delivery := models.Delivery{
			EntityKind: kind.String(),
			RoutingKey: m.Attributes()[RoutingKeyAttribute],
			Body:       m.Data(),
		}
		err := handler(ctx, delivery)
		if err == nil {
			m.Ack()
			return
		}
		var requeue *dispatcher.RequeueError
		if errors.As(err, &requeue) {
			logger.CtxInfo(ctx, "Nacked the message for redelivery",
				slog.String("entity_kind", kind.String()), slog.String("action", consts.ActionNack))
			m.Nack()
			return
		}
		// Pub/Sub has no reject; acking keeps a poison message from looping.
		logger.CtxError(ctx, "Discarding message after handler error", err, slog.String("entity_kind", kind.String()))
		m.Ack()
	})
}

// StartConsumer continuously listens for messages until the context is cancelled.
// It automatically restarts consumption whether Consume exits with or without error.
func (c *PubSubConsumer) StartConsumer(subscription string, kind storemodels.EntityKind, handler Handler) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.CtxInfo(c.Ctx, "PubSub consumer starting", slog.String("subscription", subscription))

		for {
			if c.Ctx.Err() != nil {
				logger.CtxInfo(c.Ctx, "PubSub consumer loop exiting due to context cancellation",
					slog.String("subscription", subscription))
				return
			}

			err := c.Consume(c.Ctx, subscription, kind, handler)
			if c.Ctx.Err() != nil {
				continue
			}
			if err != nil {
				logger.CtxError(c.Ctx, "Error consuming messages, retrying", err, slog.String("subscription", subscription))
			} else {
				logger.CtxInfo(c.Ctx, "PubSub consumer stopped without error, restarting",
					slog.String("subscription", subscription))
			}

			select {
			case <-c.Ctx.Done():
			case <-time.After(c.RetryDelay):
			}
		}
	}()
}

// Run starts one consumer per kind on "{prefix}{kind}" and blocks until ctx
// is cancelled and every Receive call has returned. Receive only returns
// after its in-flight callbacks finish, so this is the drain.
func (c *PubSubConsumer) Run(ctx context.Context, prefix string, kinds []storemodels.EntityKind, handler Handler) error {
	for _, kind := range kinds {
		c.StartConsumer(prefix+kind.String(), kind, handler)
	}
	select {
	case <-ctx.Done():
	case <-c.Ctx.Done():
	}
	c.Cancel()
	c.wg.Wait()
	return nil
}

func (c *PubSubConsumer) Close() error {
	if c.Cancel != nil {
		c.Cancel()
	}
	c.wg.Wait()
	return c.PubSubClient.Close()
}
