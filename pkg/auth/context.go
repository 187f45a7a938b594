package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const (
	identityKey contextKey = iota
)

// ContextWithIdentity returns a new context with the given Identity attached.
// The identity can later be retrieved with [IdentityFromContext].
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext retrieves the Identity from the context.
// Returns the identity and true if present, or nil and false if the request
// is unauthenticated. This function never returns a non-nil identity with
// false.
//
// Example:
//
//	id, ok := auth.IdentityFromContext(ctx)
//	if !ok {
//	    return errors.Unauthorized("no identity in context")
//	}
//	log.Info("request from", "user", id.ID(), "tenant", id.TenantID())
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// MustIdentityFromContext retrieves the Identity from the context, panicking
// if no identity is present. Only use it behind [RequireIdentity].
func MustIdentityFromContext(ctx context.Context) Identity {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		panic("auth: no identity in context; ensure RequireIdentity is configured")
	}
	return id
}

// TenantFromContext returns the tenant of the authenticated caller, or ""
// when the request is unauthenticated or the identity has no tenant.
func TenantFromContext(ctx context.Context) string {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return ""
	}
	return id.TenantID()
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the context.
// Returns the trace ID as a hex string and true if a valid trace is active.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
