package action

import "context"

// invocationCtxKey is the context.Context key the current InvocationContext
// is stored under, via the standard WithContext/FromContext pattern — the
// Go-idiomatic substitute for the spec's continuation-local ambient binding
// (§4.E, §9).
type invocationCtxKey struct{}

// withInvocationContext returns a context carrying ic, so that nested
// Invoke calls made with the returned context inherit ic's trace-id and
// register themselves as ic's children.
func withInvocationContext(ctx context.Context, ic *InvocationContext) context.Context {
	return context.WithValue(ctx, invocationCtxKey{}, ic)
}

// invocationFromContext retrieves the ambient InvocationContext, or nil if
// ctx carries none — meaning the next Invoke call starts a fresh root.
func invocationFromContext(ctx context.Context) *InvocationContext {
	ic, _ := ctx.Value(invocationCtxKey{}).(*InvocationContext)
	return ic
}

// FromContext exposes the ambient InvocationContext to handler code, so a
// handler can call Attach/SetTotal/ReportProgress on the invocation it's
// running inside without the caller threading it through explicitly. If
// ctx carries no invocation (e.g. a handler invoked outside the pipeline),
// FromContext returns a detached InvocationContext that behaves like a
// freestanding root — calls on it are valid but never roll up anywhere.
func FromContext(ctx context.Context) *InvocationContext {
	if ic := invocationFromContext(ctx); ic != nil {
		return ic
	}
	return newRootInvocationContext()
}
