package contextx

import "context"

// RequestIDKey 请求链路ID，日志模块从这里读取
type RequestIDKey struct{}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey{}, id)
}

func GetRequestID(ctx context.Context) (string, bool) {
	return stringValue(ctx, RequestIDKey{})
}

// SessionIDKey 当前对话的会话ID
type SessionIDKey struct{}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, SessionIDKey{}, id)
}

func GetSessionID(ctx context.Context) (string, bool) {
	return stringValue(ctx, SessionIDKey{})
}

func stringValue(ctx context.Context, key any) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v := ctx.Value(key); v != nil {
		if s, ok := v.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
