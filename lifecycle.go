package arbor

import (
	"errors"
	"fmt"
	"io"
	"slices"
)

// Output

// AttachOutConsumer copies everything written to Engine.Stdout to w.
func (c *Client) AttachOutConsumer(w io.Writer) (*Binding, error) {
	b, err := c.bind(CategoryOutput, nil, nil, w)
	if err != nil {
		return nil, err
	}
	c.engine.output.Add(b)
	return b, nil
}

// AttachErrConsumer copies everything written to Engine.Stderr to w.
func (c *Client) AttachErrConsumer(w io.Writer) (*Binding, error) {
	b, err := c.bind(CategoryErrOutput, nil, nil, w)
	if err != nil {
		return nil, err
	}
	c.engine.errOutput.Add(b)
	return b, nil
}

// Stdout returns the writer the executor sends program output to.
func (e *Engine) Stdout() io.Writer { return &outputWriter{e: e, cat: CategoryOutput} }

// Stderr returns the writer the executor sends program error output to.
func (e *Engine) Stderr() io.Writer { return &outputWriter{e: e, cat: CategoryErrOutput} }

type outputWriter struct {
	e   *Engine
	cat Category
}

// Write fans p out to the attached consumers. Only failures of language
// consumers are returned.
func (o *outputWriter) Write(p []byte) (int, error) {
	bindings := o.e.output
	if o.cat == CategoryErrOutput {
		bindings = o.e.errOutput
	}
	var errs []error
	for b := range bindings.All() {
		w := b.element.(io.Writer)
		if err := o.e.dispatch(b, o.cat.String(), nil, func() error {
			_, err := w.Write(p)
			return err
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return len(p), errors.Join(errs...)
}

// Allocation

// AttachAllocationListener reports allocations of the given languages, or of
// every language when none is given.
func (c *Client) AttachAllocationListener(l AllocationListener, languages ...string) (*Binding, error) {
	b, err := c.bind(CategoryAllocation, nil, nil, l)
	if err != nil {
		return nil, err
	}
	b.languages = languages
	c.engine.allocation.Add(b)
	return b, nil
}

// AllocationReporter is used by a language to report allocations.
type AllocationReporter struct {
	e    *Engine
	lang string
}

// AllocationReporter returns a reporter for lang.
func (e *Engine) AllocationReporter(lang *Language) *AllocationReporter {
	return &AllocationReporter{e: e, lang: lang.Name}
}

func (r *AllocationReporter) accepts(b *Binding) bool {
	return len(b.languages) == 0 || slices.Contains(b.languages, r.lang)
}

// IsActive reports whether any listener observes this language. Languages
// can skip computing sizes when it is false.
func (r *AllocationReporter) IsActive() bool {
	for b := range r.e.allocation.All() {
		if r.accepts(b) {
			return true
		}
	}
	return false
}

// OnEnter reports an allocation about to happen. newSize is the expected
// size, or -1 when unknown.
func (r *AllocationReporter) OnEnter(value any, oldSize, newSize int64) error {
	return r.report("allocation_enter", AllocationEvent{Language: r.lang, Value: value, OldSize: oldSize, NewSize: newSize})
}

// OnReturnValue reports a completed allocation.
func (r *AllocationReporter) OnReturnValue(value any, oldSize, newSize int64) error {
	if value == nil {
		return fmt.Errorf("arbor: allocation of %s reported without a value: %w", r.lang, ErrContractViolation)
	}
	return r.report("allocation_return", AllocationEvent{Language: r.lang, Value: value, OldSize: oldSize, NewSize: newSize})
}

func (r *AllocationReporter) report(event string, ev AllocationEvent) error {
	var errs []error
	for b := range r.e.allocation.All() {
		if !r.accepts(b) {
			continue
		}
		l := b.element.(AllocationListener)
		if err := r.e.dispatch(b, event, nil, func() error {
			if event == "allocation_enter" {
				return l.OnEnter(ev)
			}
			return l.OnReturnValue(ev)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Contexts and threads

type threadKey struct {
	context string
	id      int64
}

// AttachContextsListener reports contexts being created and closed. With
// includeActive, contexts already open are reported first.
func (c *Client) AttachContextsListener(l ContextsListener, includeActive bool) (*Binding, error) {
	b, err := c.bind(CategoryContexts, nil, nil, l)
	if err != nil {
		return nil, err
	}
	e := c.engine
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.contexts.Add(b)
	if includeActive {
		for _, name := range e.activeContexts {
			e.dispatch(b, "context_created", nil, func() error {
				l.OnContextCreated(name)
				return nil
			})
		}
	}
	return b, nil
}

// AttachThreadsListener reports threads entering and leaving contexts. With
// includeStarted, threads already initialized are reported first.
func (c *Client) AttachThreadsListener(l ThreadsListener, includeStarted bool) (*Binding, error) {
	b, err := c.bind(CategoryThreads, nil, nil, l)
	if err != nil {
		return nil, err
	}
	e := c.engine
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.threads.Add(b)
	if includeStarted {
		for _, t := range e.activeThreads {
			e.dispatch(b, "thread_initialized", nil, func() error {
				l.OnThreadInitialized(t.context, t.id)
				return nil
			})
		}
	}
	return b, nil
}

// NotifyContextCreated is called by the executor for a new context.
func (e *Engine) NotifyContextCreated(name string) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.activeContexts = append(e.activeContexts, name)
	for b := range e.contexts.All() {
		l := b.element.(ContextsListener)
		e.dispatch(b, "context_created", nil, func() error {
			l.OnContextCreated(name)
			return nil
		})
	}
}

// NotifyContextClosed is called by the executor when a context closes.
func (e *Engine) NotifyContextClosed(name string) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if i := slices.Index(e.activeContexts, name); i >= 0 {
		e.activeContexts = slices.Delete(e.activeContexts, i, i+1)
	}
	for b := range e.contexts.All() {
		l := b.element.(ContextsListener)
		e.dispatch(b, "context_closed", nil, func() error {
			l.OnContextClosed(name)
			return nil
		})
	}
}

// NotifyThreadInitialized is called by the executor when a thread enters a
// context.
func (e *Engine) NotifyThreadInitialized(context string, id int64) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.activeThreads = append(e.activeThreads, threadKey{context: context, id: id})
	for b := range e.threads.All() {
		l := b.element.(ThreadsListener)
		e.dispatch(b, "thread_initialized", nil, func() error {
			l.OnThreadInitialized(context, id)
			return nil
		})
	}
}

// NotifyThreadDisposed is called by the executor when a thread leaves a
// context.
func (e *Engine) NotifyThreadDisposed(context string, id int64) {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	k := threadKey{context: context, id: id}
	if i := slices.Index(e.activeThreads, k); i >= 0 {
		e.activeThreads = slices.Delete(e.activeThreads, i, i+1)
	}
	for b := range e.threads.All() {
		l := b.element.(ThreadsListener)
		e.dispatch(b, "thread_disposed", nil, func() error {
			l.OnThreadDisposed(context, id)
			return nil
		})
	}
}
