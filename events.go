package arbor

import "io"

// EventContext describes one instrumented location to execution listeners.
// It stays valid for the lifetime of the location's probe, including across
// materialization of the node it observes.
type EventContext struct {
	probe *Probe
}

// Node returns the node currently observed at this location.
func (c *EventContext) Node() *Node { return c.probe.instrumentedNode() }

// Section returns the location's source section.
func (c *EventContext) Section() *Section { return c.probe.section }

// HasTag reports whether the observed node carries t.
func (c *EventContext) HasTag(t Tag) bool {
	n := c.Node()
	return n != nil && n.HasTag(t)
}

// Root returns the root unit of the location.
func (c *EventContext) Root() *Root {
	if n := c.Node(); n != nil {
		return n.Root()
	}
	return nil
}

func (c *EventContext) String() string {
	if c.probe.section == nil {
		return "<no section>"
	}
	return c.probe.section.String()
}

// ExecutionListener observes executions of matching locations. A non-nil
// error from a language client's listener is returned to the executor;
// errors from other clients are reported to the exception handler.
type ExecutionListener interface {
	OnEnter(ctx *EventContext, frame any) error
	OnReturnValue(ctx *EventContext, frame any, result any) error
	OnReturnExceptional(ctx *EventContext, frame any, err error) error
}

// InputValueListener is implemented by execution listeners that want the
// values produced by input children selected by the binding's input filter.
type InputValueListener interface {
	OnInputValue(ctx *EventContext, frame any, input *EventContext, index int, value any) error
}

// Disposer is implemented by per-location listeners that want to know when
// their event chain is replaced.
type Disposer interface {
	OnDispose(ctx *EventContext)
}

// ExecutionNodeFactory creates one listener per instrumented location.
// Returning nil skips the location.
type ExecutionNodeFactory interface {
	Create(ctx *EventContext) ExecutionListener
}

// ExecutionFactoryFunc adapts a function to ExecutionNodeFactory.
type ExecutionFactoryFunc func(ctx *EventContext) ExecutionListener

func (f ExecutionFactoryFunc) Create(ctx *EventContext) ExecutionListener { return f(ctx) }

// ExecutionFuncs adapts optional functions to ExecutionListener and
// InputValueListener. Nil fields are no-ops.
type ExecutionFuncs struct {
	Enter       func(ctx *EventContext, frame any) error
	Return      func(ctx *EventContext, frame any, result any) error
	Exceptional func(ctx *EventContext, frame any, err error) error
	Input       func(ctx *EventContext, frame any, input *EventContext, index int, value any) error
}

func (f *ExecutionFuncs) OnEnter(ctx *EventContext, frame any) error {
	if f.Enter == nil {
		return nil
	}
	return f.Enter(ctx, frame)
}

func (f *ExecutionFuncs) OnReturnValue(ctx *EventContext, frame any, result any) error {
	if f.Return == nil {
		return nil
	}
	return f.Return(ctx, frame, result)
}

func (f *ExecutionFuncs) OnReturnExceptional(ctx *EventContext, frame any, err error) error {
	if f.Exceptional == nil {
		return nil
	}
	return f.Exceptional(ctx, frame, err)
}

func (f *ExecutionFuncs) OnInputValue(ctx *EventContext, frame any, input *EventContext, index int, value any) error {
	if f.Input == nil {
		return nil
	}
	return f.Input(ctx, frame, input, index, value)
}

// LoadSourceEvent reports a source whose code was loaded.
type LoadSourceEvent struct {
	Source *Source
}

// LoadSourceListener is notified once per binding for each loaded source.
type LoadSourceListener interface {
	OnLoad(ev LoadSourceEvent) error
}

// LoadSourceFunc adapts a function to LoadSourceListener.
type LoadSourceFunc func(ev LoadSourceEvent) error

func (f LoadSourceFunc) OnLoad(ev LoadSourceEvent) error { return f(ev) }

// ExecuteSourceEvent reports a source whose code executed for the first time.
type ExecuteSourceEvent struct {
	Source *Source
}

// ExecuteSourceListener is notified once per binding for each executed source.
type ExecuteSourceListener interface {
	OnExecute(ev ExecuteSourceEvent) error
}

// ExecuteSourceFunc adapts a function to ExecuteSourceListener.
type ExecuteSourceFunc func(ev ExecuteSourceEvent) error

func (f ExecuteSourceFunc) OnExecute(ev ExecuteSourceEvent) error { return f(ev) }

// LoadSourceSectionEvent reports a loaded instrumentable node.
type LoadSourceSectionEvent struct {
	Section *Section
	Node    *Node
}

// LoadSourceSectionListener is notified for each matching loaded node.
type LoadSourceSectionListener interface {
	OnLoad(ev LoadSourceSectionEvent) error
}

// LoadSourceSectionFunc adapts a function to LoadSourceSectionListener.
type LoadSourceSectionFunc func(ev LoadSourceSectionEvent) error

func (f LoadSourceSectionFunc) OnLoad(ev LoadSourceSectionEvent) error { return f(ev) }

// AllocationEvent reports a value allocated or resized by a language.
type AllocationEvent struct {
	Language string
	Value    any
	OldSize  int64
	NewSize  int64
}

// AllocationListener observes allocations reported through an
// AllocationReporter.
type AllocationListener interface {
	OnEnter(ev AllocationEvent) error
	OnReturnValue(ev AllocationEvent) error
}

// ContextsListener observes execution contexts.
type ContextsListener interface {
	OnContextCreated(name string)
	OnContextClosed(name string)
}

// ThreadsListener observes threads entering and leaving contexts.
type ThreadsListener interface {
	OnThreadInitialized(context string, id int64)
	OnThreadDisposed(context string, id int64)
}

// OutputConsumer is any io.Writer receiving program output.
type OutputConsumer = io.Writer
