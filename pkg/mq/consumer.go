package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"skypost/pkg/metrics"
	"skypost/pkg/otel"
	"skypost/pkg/trace"
	"skypost/pkg/util"
)

type MessageHandler func(ctx context.Context, data json.RawMessage) error

// RetryCounter 记录单条消息的失败次数（Redis 实现见 util.RetryCounter）
type RetryCounter interface {
	Attempt(ctx context.Context, queue, messageID string) (int64, error)
	Clear(ctx context.Context, queue, messageID string) error
}

// DLQPublisher 死信发布
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError, errorType string) error
}

type retryPolicy struct {
	counter    RetryCounter
	dlq        DLQPublisher
	maxRetries int64
}

type Consumer struct {
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	conn       *amqp091.Connection
	retry      *retryPolicy
	logger     *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(url, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	conn, ch, err := dial(url)
	if err != nil {
		return nil, err
	}

	closeAll := func() {
		ch.Close()
		conn.Close()
	}

	if _, err := DeclareDLQQueue(ch, routingKey); err != nil {
		closeAll()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	if err := ch.Qos(20, 0, false); err != nil {
		closeAll()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", ExchangeName),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

// WithRetryPolicy 失败的消息按次数重试，超过 maxRetries 或不可重试时进入死信队列
func (c *Consumer) WithRetryPolicy(counter RetryCounter, dlq DLQPublisher, maxRetries int64) *Consumer {
	c.retry = &retryPolicy{counter: counter, dlq: dlq, maxRetries: maxRetries}
	return c
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming starts consuming messages. It blocks until ctx is done or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

// handleDelivery 保证每条消息都会被 ack 或 nack
func (c *Consumer) handleDelivery(parent context.Context, msg amqp091.Delivery) {
	start := time.Now()

	ctx := otel.GetTextMapPropagator().Extract(parent, otel.NewMQHeaderCarrier(msg.Headers))
	if traceID, ok := msg.Headers["trace_id"].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.routingKey, c.queue.Name)
	defer span.End()

	defer func() {
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	}()

	c.logger.Debug("Received message",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
		zap.String("message_id", msg.MessageId),
		zap.Int("message_size", len(msg.Body)),
	)

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("routing_key", c.routingKey),
				zap.String("queue", c.queue.Name),
				zap.Any("panic", r),
			)
			c.onFailure(ctx, msg, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		span.RecordError(err)
		c.logger.Error("Handler error",
			zap.String("routing_key", c.routingKey),
			zap.String("queue", c.queue.Name),
			zap.String("trace_id", trace.FromContext(ctx)),
			zap.Error(err),
		)
		c.onFailure(ctx, msg, err)
		return
	}

	if c.retry != nil && msg.MessageId != "" {
		_ = c.retry.counter.Clear(ctx, c.queue.Name, msg.MessageId)
	}

	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack message",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		return
	}
	c.logger.Debug("Message processed successfully",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)
}

// onFailure 决定 requeue 还是进入死信队列
func (c *Consumer) onFailure(ctx context.Context, msg amqp091.Delivery, handlerErr error) {
	if c.decide(ctx, msg.MessageId, handlerErr) == actionRequeue {
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", zap.String("routing_key", c.routingKey), zap.Error(err))
		}
		return
	}

	_, errType := util.IsRetryableError(handlerErr)
	if err := c.retry.dlq.PublishToDLQ(ctx, c.routingKey, msg.Body, handlerErr.Error(), errType); err != nil {
		c.logger.Error("Failed to publish to DLQ, requeueing",
			zap.String("routing_key", c.routingKey),
			zap.Error(err),
		)
		_ = msg.Nack(false, true)
		return
	}

	c.logger.Warn("Message moved to DLQ",
		zap.String("routing_key", c.routingKey),
		zap.String("message_id", msg.MessageId),
		zap.String("error_type", errType),
	)
	_ = c.retry.counter.Clear(ctx, c.queue.Name, msg.MessageId)
	if err := msg.Ack(false); err != nil {
		c.logger.Error("Failed to ack dead-lettered message", zap.Error(err))
	}
}

type failureAction int

const (
	actionRequeue failureAction = iota
	actionDeadLetter
)

func (c *Consumer) decide(ctx context.Context, messageID string, handlerErr error) failureAction {
	// 没有重试策略时沿用 MQ 自身的 requeue
	if c.retry == nil {
		return actionRequeue
	}

	retryable, _ := util.IsRetryableError(handlerErr)
	if !retryable {
		return actionDeadLetter
	}
	if messageID == "" {
		return actionRequeue
	}

	count, err := c.retry.counter.Attempt(ctx, c.queue.Name, messageID)
	if err != nil {
		// 计数不可用时不丢消息
		return actionRequeue
	}
	if util.ShouldRetry(count, c.retry.maxRetries, retryable) {
		return actionRequeue
	}
	return actionDeadLetter
}
