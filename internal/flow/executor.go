package flow

import (
	"context"
	"fmt"

	"github.com/BTreeMap/ChatPipe/internal/models"
)

// Executor runs a named script with a session's captured data. Implementations
// are expected to sandbox execution; failures are reported, never panicked.
type Executor interface {
	Execute(ctx context.Context, ref string, data map[string]string) (*models.Reply, error)
}

// ScriptFunc is one registered script.
type ScriptFunc func(ctx context.Context, data map[string]string) (*models.Reply, error)

// FuncExecutor dispatches script references to registered Go functions. It
// is the in-process Executor used by tests and embedded deployments.
type FuncExecutor struct {
	scripts map[string]ScriptFunc
}

// NewFuncExecutor creates an empty function-backed executor.
func NewFuncExecutor() *FuncExecutor {
	return &FuncExecutor{scripts: make(map[string]ScriptFunc)}
}

// Register binds a script reference to a function.
func (e *FuncExecutor) Register(ref string, fn ScriptFunc) {
	e.scripts[ref] = fn
}

func (e *FuncExecutor) Execute(ctx context.Context, ref string, data map[string]string) (*models.Reply, error) {
	fn, ok := e.scripts[ref]
	if !ok {
		return nil, fmt.Errorf("script %q is not registered", ref)
	}
	return fn(ctx, data)
}
