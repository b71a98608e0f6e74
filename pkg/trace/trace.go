package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type ctxKey struct{}

// HeaderName 请求/响应中携带 trace ID 的 HTTP header
const HeaderName = "X-Trace-ID"

// fallbackHeader 上游网关常用的 request id header
const fallbackHeader = "X-Request-ID"

// GenerateTraceID 生成一个新的 trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext 从 context 中获取 trace_id
func FromContext(ctx context.Context) string {
	if traceID, ok := ctx.Value(ctxKey{}).(string); ok {
		return traceID
	}
	return ""
}

// WithContext 将 trace_id 添加到 context 中
func WithContext(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, traceID)
}

// HeaderGetter 只需要 Get 方法，http.Header 满足
type HeaderGetter interface {
	Get(key string) string
}

// FromHeaders 从请求头中提取 trace_id（支持 X-Trace-ID 和 X-Request-ID），缺失时生成新的
func FromHeaders(h HeaderGetter) string {
	if v := h.Get(HeaderName); v != "" {
		return v
	}
	if v := h.Get(fallbackHeader); v != "" {
		return v
	}
	return GenerateTraceID()
}
