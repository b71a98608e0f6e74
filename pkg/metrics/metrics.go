package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 当前在线的实时通知连接数
	WSActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_active_connections",
			Help: "Number of live notification connections",
		},
	)

	// 单次投递结果计数
	WSBroadcastTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_broadcast_total",
			Help: "Per-session delivery attempts during fan-out",
		},
		[]string{"result"}, // result: delivered, failed
	)

	// 连接握手结果计数
	WSHandshakeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_handshake_total",
			Help: "Notification connection handshakes by outcome",
		},
		[]string{"result"}, // result: ok, rejected
	)

	// 发送成功的邮件数
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_sent_total",
			Help: "Messages persisted by the send pipeline",
		},
		[]string{"recipient"}, // recipient: known, unknown
	)

	// 被跳过的附件数
	AttachmentsSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "attachments_skipped_total",
			Help: "Attachments dropped from a send",
		},
		[]string{"reason"}, // reason: invalid, store_failed, persist_failed
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	DBSlowQueryTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// Outbox 事件发布计数
	OutboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox events handed to the broker",
		},
		[]string{"status"}, // status: success, failed
	)
)

// SetActiveConnections 更新在线连接数
func SetActiveConnections(n int) {
	WSActiveConnections.Set(float64(n))
}

// RecordBroadcast 记录一次 fan-out 的结果
func RecordBroadcast(delivered, failed int) {
	if delivered > 0 {
		WSBroadcastTotal.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		WSBroadcastTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// IncrementHandshake 记录握手结果
func IncrementHandshake(result string) {
	WSHandshakeTotal.WithLabelValues(result).Inc()
}

// IncrementMessageSent 记录一次成功发送
func IncrementMessageSent(recipientKnown bool) {
	label := "unknown"
	if recipientKnown {
		label = "known"
	}
	MessagesSentTotal.WithLabelValues(label).Inc()
}

// IncrementAttachmentSkipped 记录被跳过的附件
func IncrementAttachmentSkipped(reason string) {
	AttachmentsSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery() {
	DBSlowQueryTotal.Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementOutboxPublished 记录 outbox 发布结果
func IncrementOutboxPublished(status string) {
	OutboxPublishedTotal.WithLabelValues(status).Inc()
}
