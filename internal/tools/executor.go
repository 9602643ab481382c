package tools

import (
	"context"
	"log/slog"
	"maps"
	"time"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 10 * time.Second

// identityKeys are stripped from resolver-supplied arguments; the owner is
// always the authenticated caller.
var identityKeys = []string{"owner_id", "user_id"}

// Invocation records one tool call for the turn response. It is never
// persisted.
type Invocation struct {
	Name      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Result
}

// Executor runs registered tools under a bounded wait.
type Executor struct {
	registry *Registry
	timeout  time.Duration
}

func NewExecutor(registry *Registry, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{registry: registry, timeout: timeout}
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute invokes the named tool once for ownerID. It never retries. When
// the timeout expires first the handler is abandoned: it keeps running on a
// context detached from ctx and its outcome is discarded.
func (e *Executor) Execute(ctx context.Context, ownerID, name string, args map[string]any) Invocation {
	clean := maps.Clone(args)
	if clean == nil {
		clean = map[string]any{}
	}
	for _, k := range identityKeys {
		delete(clean, k)
	}
	inv := Invocation{Name: name, Arguments: clean}

	tool, ok := e.registry.Lookup(name)
	if !ok {
		inv.Result = Fail(KindUnknownTool, "unknown tool %q", name)
		return inv
	}

	validated, err := tool.Schema.Validate(clean)
	if err != nil {
		inv.Result = Fail(KindInvalidInput, "%v", err)
		return inv
	}

	// Buffered so an abandoned handler can still deliver and exit.
	done := make(chan Result, 1)
	handlerCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("tool handler panicked", "tool", name, "panic", r)
				done <- Fail(KindInternal, "tool %s failed unexpectedly", name)
			}
		}()
		done <- tool.Handler(handlerCtx, ownerID, validated)
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if !res.Success && res.Error == nil {
			slog.Error("tool handler returned failure without error", "tool", name)
			res = Fail(KindInternal, "tool %s failed without reporting an error", name)
		}
		inv.Result = res
	case <-timer.C:
		slog.Warn("tool call timed out", "tool", name, "timeout", e.timeout)
		inv.Result = Fail(KindTimeout, "%s did not finish within %s; it may or may not have completed", name, e.timeout)
	case <-ctx.Done():
		inv.Result = Fail(KindTimeout, "%s was cancelled; it may or may not have completed", name)
	}
	return inv
}
