package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loan-sync-worker/internal/pkg/config"
	"loan-sync-worker/internal/pkg/consts"
	"loan-sync-worker/internal/pkg/log_messages"
	"loan-sync-worker/internal/pkg/logger"
	"loan-sync-worker/internal/pkg/models"
	storemodels "loan-sync-worker/internal/pkg/store/models"
	"loan-sync-worker/internal/service/dispatcher"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrRetriesExhausted = errors.New("message bus unreachable after all retries")

// Handler processes one delivery. nil acks, *dispatcher.RequeueError nacks
// with requeue, any other error rejects the message.
type Handler func(ctx context.Context, delivery models.Delivery) error

// Consumer reads one durable queue per entity kind from a topic exchange.
type Consumer struct {
	cfg   config.AMQPConfig
	dial  Dialer
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

type Option func(*Consumer)

func WithDialer(dial Dialer) Option {
	return func(c *Consumer) { c.dial = dial }
}

func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Consumer) { c.sleep = sleep }
}

func NewConsumer(cfg config.AMQPConfig, opts ...Option) *Consumer {
	c := &Consumer{
		cfg:   cfg,
		dial:  DefaultDialer,
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueueName is the queue holding events for kind.
func (c *Consumer) QueueName(kind storemodels.EntityKind) string {
	return c.cfg.QueuePrefix + kind.String()
}

// Backoff is the wait after the given failed attempt: 2^attempt seconds, capped.
func Backoff(attempt int, maxWait time.Duration) time.Duration {
	if attempt > 30 {
		return maxWait
	}
	wait := time.Duration(1<<uint(attempt)) * time.Second
	if wait > maxWait {
		return maxWait
	}
	return wait
}

func (c *Consumer) connect(ctx context.Context) (Connection, error) {
	maxWait := time.Duration(c.cfg.MaxBackoffSecs) * time.Second
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		conn, err := c.dial(c.cfg.URL)
		if err == nil {
			logger.CtxInfo(ctx, log_messages.InfoBusConnected, slog.Int("attempt", attempt+1))
			return conn, nil
		}
		lastErr = err
		if attempt == c.cfg.MaxRetries-1 {
			break
		}
		wait := Backoff(attempt, maxWait)
		logger.CtxWarn(ctx, log_messages.InfoBusRetry,
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

type subscription struct {
	channel Channel
	tag     string
}

// channelLoss names the kind whose channel the broker closed.
type channelLoss struct {
	kind storemodels.EntityKind
	err  *amqp.Error
}

// subscribe opens one channel per kind. A broker-side close of any of them is
// reported on lost, which must have room for one value per kind.
func (c *Consumer) subscribe(ctx context.Context, conn Connection, kinds []storemodels.EntityKind, handler Handler, lost chan<- channelLoss) ([]subscription, error) {
	subs := make([]subscription, 0, len(kinds))
	for _, kind := range kinds {
		ch, err := conn.Channel()
		if err != nil {
			return subs, fmt.Errorf("open channel for %s: %w", kind, err)
		}
		sub := subscription{channel: ch, tag: "loan-sync-" + kind.String()}
		subs = append(subs, sub)

		// a graceful close only closes the notify channel
		go func(kind storemodels.EntityKind, closed <-chan *amqp.Error) {
			if amqpErr, ok := <-closed; ok && amqpErr != nil {
				lost <- channelLoss{kind: kind, err: amqpErr}
			}
		}(kind, ch.NotifyClose(make(chan *amqp.Error, 1)))

		queue := c.QueueName(kind)
		if err := ch.ExchangeDeclare(c.cfg.Exchange, consts.ExchangeKindTopic, true, false, false, false, nil); err != nil {
			return subs, fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return subs, fmt.Errorf("declare queue %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, kind.String()+consts.RoutingKeySuffix, c.cfg.Exchange, false, nil); err != nil {
			return subs, fmt.Errorf("bind queue %s: %w", queue, err)
		}
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return subs, fmt.Errorf("set prefetch on %s: %w", queue, err)
		}
		deliveries, err := ch.Consume(queue, sub.tag, false, false, false, false, nil)
		if err != nil {
			return subs, fmt.Errorf("consume %s: %w", queue, err)
		}

		logger.CtxInfo(ctx, log_messages.InfoConsumerStarted, slog.String("queue", queue), slog.String("entity_kind", kind.String()))

		c.wg.Add(1)
		go func(kind storemodels.EntityKind, deliveries <-chan amqp.Delivery) {
			defer c.wg.Done()
			for d := range deliveries {
				c.handle(ctx, kind, d, handler)
			}
		}(kind, deliveries)
	}
	return subs, nil
}

func (c *Consumer) handle(ctx context.Context, kind storemodels.EntityKind, d amqp.Delivery, handler Handler) {
	// in-flight work finishes even after shutdown starts
	ctx = context.WithoutCancel(ctx)

	err := handler(ctx, models.Delivery{EntityKind: kind.String(), RoutingKey: d.RoutingKey, Body: d.Body})

	var requeue *dispatcher.RequeueError
	var ackErr error
	switch {
	case err == nil:
		ackErr = d.Ack(false)
	case errors.As(err, &requeue):
		ackErr = d.Nack(false, true)
	default:
		logger.CtxError(ctx, "Rejecting message", err, slog.String("entity_kind", kind.String()))
		ackErr = d.Nack(false, false)
	}
	if ackErr != nil {
		logger.CtxError(ctx, "Failed to settle message", ackErr, slog.String("entity_kind", kind.String()))
	}
}

// Run consumes until ctx is cancelled, reconnecting when the broker drops the
// connection or closes any kind's channel. It returns an error only when reconnection gives up, which the
// caller treats as fatal.
func (c *Consumer) Run(ctx context.Context, kinds []storemodels.EntityKind, handler Handler) error {
	for {
		conn, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))
		lost := make(chan channelLoss, len(kinds))

		subs, err := c.subscribe(ctx, conn, kinds, handler, lost)
		if err != nil {
			c.shutdown(ctx, conn, subs)
			return err
		}

		select {
		case <-ctx.Done():
			logger.CtxInfo(ctx, log_messages.InfoConsumerDraining)
			c.shutdown(ctx, conn, subs)
			return nil
		case amqpErr := <-closed:
			logger.CtxWarn(ctx, "Message bus connection lost, reconnecting", slog.Any("reason", amqpErr))
			c.wg.Wait()
		case loss := <-lost:
			logger.CtxWarn(ctx, "Message bus channel closed, reconnecting",
				slog.String("entity_kind", loss.kind.String()), slog.Any("reason", loss.err))
			c.shutdown(ctx, conn, subs)
		}
	}
}

// shutdown stops new deliveries, waits for in-flight ones to be settled and
// only then closes the channels and the connection.
func (c *Consumer) shutdown(ctx context.Context, conn Connection, subs []subscription) {
	for _, sub := range subs {
		if err := sub.channel.Cancel(sub.tag, false); err != nil {
			logger.CtxWarn(ctx, "Failed to cancel consumer", slog.String("tag", sub.tag), slog.String("error", err.Error()))
		}
	}
	c.wg.Wait()
	for _, sub := range subs {
		_ = sub.channel.Close()
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.CtxWarn(ctx, "Failed to close message bus connection", slog.String("error", err.Error()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
