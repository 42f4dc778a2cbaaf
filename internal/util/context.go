package util

import (
	"context"
	"time"
)

// Context keys.
type ctxKey string

const (
	ctxKeyRequestID  ctxKey = "request_id"
	ctxKeyStartTime  ctxKey = "start_time"
	ctxKeyRoute      ctxKey = "route"
	ctxKeyInstance   ctxKey = "instance"
	ctxKeyPathParams ctxKey = "path_params"
	ctxKeyClientIP   ctxKey = "client_ip"
	ctxKeyIdentity   ctxKey = "identity"
)

// ContextWithRequestID adds a request ID to the context.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// ContextWithStartTime adds a start time to the context.
func ContextWithStartTime(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, ctxKeyStartTime, t)
}

// StartTimeFromContext extracts the start time from context.
func StartTimeFromContext(ctx context.Context) time.Time {
	if v, ok := ctx.Value(ctxKeyStartTime).(time.Time); ok {
		return v
	}
	return time.Time{}
}

// ContextWithRoute adds a route pattern to the context.
func ContextWithRoute(ctx context.Context, route string) context.Context {
	return context.WithValue(ctx, ctxKeyRoute, route)
}

// RouteFromContext extracts the route pattern from context.
func RouteFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRoute).(string); ok {
		return v
	}
	return ""
}

// ContextWithInstance adds the selected instance URL to the context.
func ContextWithInstance(ctx context.Context, instanceURL string) context.Context {
	return context.WithValue(ctx, ctxKeyInstance, instanceURL)
}

// InstanceFromContext extracts the selected instance URL from context.
func InstanceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyInstance).(string); ok {
		return v
	}
	return ""
}

// ContextWithPathParams adds path parameters to the context.
func ContextWithPathParams(ctx context.Context, params map[string]string) context.Context {
	return context.WithValue(ctx, ctxKeyPathParams, params)
}

// PathParamsFromContext extracts path parameters from context.
func PathParamsFromContext(ctx context.Context) map[string]string {
	if v, ok := ctx.Value(ctxKeyPathParams).(map[string]string); ok {
		return v
	}
	return nil
}

// ContextWithClientIP adds the client IP to the context.
func ContextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKeyClientIP, ip)
}

// ClientIPFromContext extracts the client IP from context.
func ClientIPFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyClientIP).(string); ok {
		return v
	}
	return ""
}

// Identity is the decoded caller identity attached by the authentication
// collaborator. The gateway never inspects how it was derived.
type Identity struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the identity carries the given role.
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ContextWithIdentity adds a caller identity to the context.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext extracts the caller identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if v, ok := ctx.Value(ctxKeyIdentity).(*Identity); ok {
		return v
	}
	return nil
}

// ElapsedTime returns the elapsed time since the start time in context.
func ElapsedTime(ctx context.Context) time.Duration {
	startTime := StartTimeFromContext(ctx)
	if startTime.IsZero() {
		return 0
	}
	return time.Since(startTime)
}
