// Package requestcontext carries caller metadata through a context so that
// code recording audit events does not need to thread it through every call.
//
// Transport layers set the values once per request:
//
//	ctx = requestcontext.WithClientMetadata(ctx, clientIP, userAgent)
//	ctx = requestcontext.WithRequestID(ctx, requestID)
//
// Submit fills any draft field the caller left empty from them.
package requestcontext

import "context"

type (
	sessionIDKey struct{}
	clientIPKey  struct{}
	userAgentKey struct{}
	requestIDKey struct{}
)

func value(ctx context.Context, key any) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// SessionID returns the caller's session, or "".
func SessionID(ctx context.Context) string {
	return value(ctx, sessionIDKey{})
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

func ClientIP(ctx context.Context) string {
	return value(ctx, clientIPKey{})
}

func UserAgent(ctx context.Context) string {
	return value(ctx, userAgentKey{})
}

// WithClientMetadata injects the client IP and User-Agent.
func WithClientMetadata(ctx context.Context, clientIP, userAgent string) context.Context {
	ctx = context.WithValue(ctx, clientIPKey{}, clientIP)
	return context.WithValue(ctx, userAgentKey{}, userAgent)
}

func RequestID(ctx context.Context) string {
	return value(ctx, requestIDKey{})
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}
