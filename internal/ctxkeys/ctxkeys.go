// Package ctxkeys holds request-scoped context values shared by the HTTP
// middleware and the handlers.
package ctxkeys

import "context"

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	traceIDKey   contextKey = "trace_id"
	principalKey contextKey = "principal"
)

// Principal is the authenticated caller.
type Principal struct {
	// AccountID scopes delegate tokens; empty for operator API keys.
	AccountID string
	// DelegateID is set when the token was issued to one delegate.
	DelegateID string
	// Operator marks API key callers, which may act on any account.
	Operator bool
}

// CanAccessAccount reports whether p may act on accountID.
func (p Principal) CanAccessAccount(accountID string) bool {
	return p.Operator || (p.AccountID != "" && p.AccountID == accountID)
}

// CanActAsDelegate reports whether p may act for delegateID. Account scoped
// tokens without a delegate claim are accepted; ownership is checked against
// the delegate record by the caller.
func (p Principal) CanActAsDelegate(delegateID string) bool {
	return p.Operator || p.DelegateID == "" || p.DelegateID == delegateID
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(requestIDKey).(string)
	return v, ok && v != ""
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(traceIDKey).(string)
	return v, ok && v != ""
}

// WithPrincipal stores the authenticated caller.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFrom returns the caller; ok is false when authentication is off.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
