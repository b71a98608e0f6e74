package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// 交换机：业务事件走 ExchangeName，处理失败的消息走 DLQExchangeName
const (
	ExchangeName    = "skypost.events"
	DLQExchangeName = "skypost.events.dlq"
)

// RoutingKeyMessageSent 由 outbox 在消息提交后发布
const RoutingKeyMessageSent = "message.sent"

// QueueDeliveryLog 是 worker 写投递日志的队列
const QueueDeliveryLog = "message.sent.log.q"

// dial opens a connection and one channel with both exchanges declared.
// On error nothing is left open.
func dial(url string) (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	for _, name := range []string{ExchangeName, DLQExchangeName} {
		if err := declareTopicExchange(ch, name); err != nil {
			ch.Close()
			conn.Close()
			return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return conn, ch, nil
}

func declareTopicExchange(ch *amqp091.Channel, name string) error {
	return ch.ExchangeDeclare(
		name,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}
