// Package interp is a small reference executor for instrumentable trees. It
// has no program semantics of its own: each node kind is evaluated by a
// registered function, and unknown kinds evaluate their children in order.
package interp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jward/arbor/internal/ctxlog"
	"github.com/jward/arbor/internal/tree"
)

// Hooks receives the executor events the instrumentation engine needs.
type Hooks interface {
	OnRootFirstExecuted(root *tree.Root) error
}

// EvalFunc evaluates one node. It evaluates children through it.Exec so that
// wrappers installed below n are honored.
type EvalFunc func(it *Interpreter, f *Frame, n *tree.Node) (any, error)

// Frame is the state of one call of a root.
type Frame struct {
	Ctx  context.Context
	Root *tree.Root
	Args []any

	mu   sync.Mutex
	vars map[string]any
}

// Set stores a variable in the frame.
func (f *Frame) Set(name string, v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.vars == nil {
		f.vars = make(map[string]any)
	}
	f.vars[name] = v
}

// Get loads a variable from the frame.
func (f *Frame) Get(name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vars[name]
	return v, ok
}

// Interpreter executes roots. It is safe for concurrent use.
type Interpreter struct {
	hooks    Hooks
	kinds    map[string]EvalFunc
	fallback EvalFunc

	mu       sync.Mutex
	executed map[*tree.Root]*sync.Once
	firstErr map[*tree.Root]error
}

// Option configures an Interpreter.
type Option func(*Interpreter)

// WithEval registers the evaluation of a node kind.
func WithEval(kind string, fn EvalFunc) Option {
	return func(it *Interpreter) {
		it.kinds[kind] = fn
	}
}

// WithFallback sets the evaluation of kinds without a registered function.
// Without it those nodes evaluate their children.
func WithFallback(fn EvalFunc) Option {
	return func(it *Interpreter) {
		it.fallback = fn
	}
}

// New returns an interpreter reporting to hooks, which may be nil.
func New(hooks Hooks, opts ...Option) *Interpreter {
	it := &Interpreter{
		hooks:    hooks,
		kinds:    make(map[string]EvalFunc),
		executed: make(map[*tree.Root]*sync.Once),
		firstErr: make(map[*tree.Root]error),
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Call executes root with args. The first call of each root reports it to
// the hooks before anything runs; concurrent first calls wait for that.
func (it *Interpreter) Call(ctx context.Context, root *tree.Root, args ...any) (any, error) {
	if err := it.firstExecution(root); err != nil {
		return nil, err
	}
	f := &Frame{Ctx: ctx, Root: root, Args: args}
	ctxlog.FromContext(ctx).Debug("call", slog.String("root", root.Name()))
	return it.Exec(f, root.Body())
}

func (it *Interpreter) firstExecution(root *tree.Root) error {
	it.mu.Lock()
	once, ok := it.executed[root]
	if !ok {
		once = new(sync.Once)
		it.executed[root] = once
	}
	it.mu.Unlock()

	once.Do(func() {
		if it.hooks == nil {
			return
		}
		err := it.hooks.OnRootFirstExecuted(root)
		it.mu.Lock()
		it.firstErr[root] = err
		it.mu.Unlock()
	})
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.firstErr[root]
}

// Exec evaluates n. Wrappers are entered before their delegate runs and
// completed with its result.
func (it *Interpreter) Exec(f *Frame, n *tree.Node) (any, error) {
	if n == nil {
		return nil, nil
	}
	if err := f.Ctx.Err(); err != nil {
		return nil, err
	}
	if ic := n.Interceptor(); ic != nil {
		act, err := ic.Enter(f)
		if err != nil {
			return nil, err
		}
		v, err := it.Exec(f, n.Delegate())
		if err != nil {
			return nil, errors.Join(err, act.ReturnExceptional(err))
		}
		if err := act.ReturnValue(v); err != nil {
			return nil, err
		}
		return v, nil
	}
	fn, ok := it.kinds[n.Kind()]
	if !ok {
		fn = it.fallback
	}
	if fn != nil {
		v, err := fn(it, f, n)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		return v, nil
	}
	return it.ExecChildren(f, n)
}

// ExecChildren evaluates the children of n in order and returns the value
// of the last one.
func (it *Interpreter) ExecChildren(f *Frame, n *tree.Node) (any, error) {
	var last any
	for i := 0; i < n.NumChildren(); i++ {
		v, err := it.Exec(f, n.Child(i))
		if err != nil {
			return nil, err
		}
		last = v
	}
	return last, nil
}
