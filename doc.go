// Package arbor attaches observers to program trees while they execute.
//
// An executor hands arbor its trees as [Root] units and reports when they
// load and first run. Clients register bindings over classes of locations,
// selected by a [Filter] over tags, source sections and sources, and receive
// callbacks when matching locations load or execute. Bindings can be added
// and disposed at any time; the executor never knows about them.
//
// # Executor hooks
//
//	e := arbor.NewEngine(arbor.WithLogger(logger))
//
//	if err := e.OnRootLoaded(root); err != nil { ... }
//	if err := e.OnRootFirstExecuted(root); err != nil { ... }
//
// Before executing a node whose parent is a wrapper, the executor calls the
// wrapper's [Interceptor], and completes the returned [Activation] with the
// node's result:
//
//	act, err := w.Interceptor().Enter(frame)
//	if err != nil { return err }
//	v, err := exec(w.Delegate())
//	if err != nil { return errors.Join(err, act.ReturnExceptional(err)) }
//	return act.ReturnValue(v)
//
// # Clients
//
// [Engine.NewClient] returns an instrument client that sees every root.
// [Engine.ForLanguage] returns a client restricted to one language whose
// listener failures propagate to the executor instead of being reported.
//
//	c := e.NewClient("coverage")
//	f := arbor.NewFilter().TagIs(arbor.StatementTag).MustBuild()
//	b, err := c.AttachExecutionListener(f, nil, &arbor.ExecutionFuncs{
//		Enter: func(ctx *arbor.EventContext, frame any) error { ... },
//	})
//	defer b.Dispose()
//
// # Walks
//
// Attaching an execution binding walks every executed root once, under the
// root's lock, wrapping the nodes the binding matches. Roots whose cached
// summary ([Bits]) proves that nothing can match are skipped without a walk.
// Nodes whose capabilities implement [Materializer] may be replaced by a
// finer-grained equivalent during a walk; the replaced node stays reachable
// from its wrapper's probe while executions may still be running it.
//
// Listener callbacks never run while a root lock is held.
//
// # Metrics
//
// Each engine counts walks, materializations, wrapper changes and listener
// failures in a Prometheus registry, see [Engine.Gatherer] and
// [WithRegistry].
package arbor
