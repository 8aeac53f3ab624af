package arbor

import (
	"errors"
	"fmt"

	"github.com/jward/arbor/internal/tree"
)

// eventChain is the immutable list of listeners of one location, built for
// one probe version. Links keep binding registration order.
type eventChain struct {
	links   []*chainLink
	version uint64
}

type chainLink struct {
	binding *Binding
	handler ExecutionListener

	// Input links forward the location's return value to the link of the
	// same binding at the nearest instrumented ancestor.
	input  bool
	parent *Probe
	index  int
}

func (c *eventChain) enter(p *Probe, frame any) error {
	var errs []error
	for _, l := range c.links {
		if l.input || l.binding.IsDisposed() {
			continue
		}
		if err := p.engine.dispatch(l.binding, "enter", p.section, func() error {
			return l.handler.OnEnter(&p.ctx, frame)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *eventChain) returnValue(p *Probe, frame, result any) error {
	var errs []error
	for _, l := range c.links {
		if l.binding.IsDisposed() {
			continue
		}
		var err error
		if l.input {
			err = l.forwardInput(p, frame, result)
		} else {
			err = p.engine.dispatch(l.binding, "return_value", p.section, func() error {
				return l.handler.OnReturnValue(&p.ctx, frame, result)
			})
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *eventChain) returnExceptional(p *Probe, frame any, cause error) error {
	var errs []error
	for _, l := range c.links {
		if l.input || l.binding.IsDisposed() {
			continue
		}
		if err := p.engine.dispatch(l.binding, "return_exceptional", p.section, func() error {
			return l.handler.OnReturnExceptional(&p.ctx, frame, cause)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *chainLink) forwardInput(p *Probe, frame, value any) error {
	pc := l.parent.chain.Load()
	if pc == nil {
		return nil
	}
	for _, target := range pc.links {
		if target.input || target.binding != l.binding {
			continue
		}
		il, ok := target.handler.(InputValueListener)
		if !ok {
			return nil
		}
		return p.engine.dispatch(l.binding, "input_value", l.parent.section, func() error {
			return il.OnInputValue(&l.parent.ctx, frame, &p.ctx, l.index, value)
		})
	}
	return nil
}

// dispose notifies per-location listeners created for this chain.
func (c *eventChain) dispose(p *Probe) {
	for _, l := range c.links {
		if l.input {
			continue
		}
		if _, shared := l.binding.element.(ExecutionListener); shared {
			continue
		}
		if d, ok := l.handler.(Disposer); ok {
			_ = p.engine.dispatch(l.binding, "dispose", p.section, func() error {
				d.OnDispose(&p.ctx)
				return nil
			})
		}
	}
}

// buildEventChain collects the links of p's location from the execution
// bindings. It runs without the root lock since factories are client code.
func (e *Engine) buildEventChain(p *Probe, version uint64) (*eventChain, error) {
	c := &eventChain{version: version}
	w := p.wrapper.Load()
	n := w.Delegate()
	root := n.Root()
	if root == nil {
		return c, nil
	}
	provided := root.ProvidedTags()

	var parentInstr *Node
	var parentProbe *Probe
	for a := w.Parent(); a != nil; a = a.Parent() {
		if a.IsInstrumentable() {
			parentInstr = a
			if pw := a.Parent(); pw != nil && pw.IsWrapper() {
				parentProbe, _ = pw.Interceptor().(*Probe)
			}
			break
		}
	}
	var parentSec *Section
	if parentInstr != nil {
		parentSec = parentInstr.Section()
	}

	var errs []error
	for b := range e.execution.All() {
		if parentProbe != nil && b.isChildInstrumentedFull(provided, root, parentInstr, parentSec, n, p.section) {
			c.links = append(c.links, &chainLink{
				binding: b,
				input:   true,
				parent:  parentProbe,
				index:   inputIndex(b, provided, parentInstr, n),
			})
		}
		if !b.isInstrumentedFull(provided, root, n, p.section) {
			continue
		}
		h, err := e.createHandler(b, p)
		if err != nil {
			errs = append(errs, err)
		}
		if h != nil {
			c.links = append(c.links, &chainLink{binding: b, handler: h})
		}
	}
	e.metrics.chainBuilds.Inc()
	e.logger.Debug("event chain built", "section", p.section, "links", len(c.links))
	return c, errors.Join(errs...)
}

func (e *Engine) createHandler(b *Binding, p *Probe) (ExecutionListener, error) {
	switch el := b.element.(type) {
	case ExecutionListener:
		return el, nil
	case ExecutionNodeFactory:
		var h ExecutionListener
		err := e.dispatch(b, "create", p.section, func() error {
			h = el.Create(&p.ctx)
			return nil
		})
		return h, err
	default:
		panic(fmt.Sprintf("arbor: execution binding with element %T", b.element))
	}
}

// inputIndex numbers child among the nearest instrumentable descendants of
// parent accepted by b's input filter. It returns -1 if child is not one.
func inputIndex(b *Binding, provided TagSet, parent, child *Node) int {
	idx := 0
	found := -1
	var walk func(n *Node) bool
	walk = func(n *Node) bool {
		cont := true
		n.ForEachChild(func(c *Node) bool {
			if c.IsWrapper() {
				c = c.Delegate()
			}
			if c.IsInstrumentable() {
				if b.inputFilter.IsInstrumentedNode(provided, c, c.Section()) {
					if c == child {
						found = idx
						cont = false
						return false
					}
					idx++
				}
				return true
			}
			cont = walk(c)
			return cont
		})
		return cont
	}
	walk(parent)
	return found
}

var _ tree.Interceptor = (*Probe)(nil)
