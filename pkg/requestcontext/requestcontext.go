// Package requestcontext carries per-request metadata through context.Context
// so handlers, services, and the audit writer agree on correlation and origin
// data without threading extra parameters everywhere.
package requestcontext

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	clientIPKey  contextKey = "client_ip"
	userAgentKey contextKey = "user_agent"
)

// WithRequestID attaches the correlation id for the current request.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID extracts the correlation id, or "" when none was set.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithClientMetadata attaches the client network address and user agent.
func WithClientMetadata(ctx context.Context, ip, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey, ip)
	return context.WithValue(ctx, userAgentKey, userAgent)
}

// ClientIP extracts the client network address, or "" when unknown.
func ClientIP(ctx context.Context) string {
	if v, ok := ctx.Value(clientIPKey).(string); ok {
		return v
	}
	return ""
}

// UserAgent extracts the raw client user agent, or "" when unknown.
func UserAgent(ctx context.Context) string {
	if v, ok := ctx.Value(userAgentKey).(string); ok {
		return v
	}
	return ""
}
