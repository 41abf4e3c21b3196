package llm

import "context"

// Caller identifies the component invoking a model.
type Caller struct {
	Type   string
	Name   string
	UserID string
}

// Caller types recorded on every model call.
const (
	CallerClassifier = "classifier"
	CallerWorkflow   = "workflow"
	CallerResponder  = "responder"
	CallerSystem     = "system"
)

type callerKey struct{}

// WithCaller attaches caller identity to ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller attached to ctx, or a system caller.
func CallerFrom(ctx context.Context) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok {
		return c
	}
	return Caller{Type: CallerSystem, Name: "unknown"}
}
