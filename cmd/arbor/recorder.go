package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jward/arbor"
	"github.com/jward/arbor/internal/config"
	"github.com/jward/arbor/internal/interp"
	"github.com/jward/arbor/internal/tracestore"
)

const maxValueLen = 120

type batchKey struct{}

// withBatch makes execution events of calls run with ctx go to b.
func withBatch(ctx context.Context, b *tracestore.BatchedStore) context.Context {
	return context.WithValue(ctx, batchKey{}, b)
}

// recorder turns binding notifications into trace events. Execution events
// go to the batch carried by the call's frame; everything else goes to the
// shared batch.
type recorder struct {
	session string
	shared  *tracestore.BatchedStore
}

func newRecorder(store *tracestore.Store, session string) *recorder {
	return &recorder{session: session, shared: tracestore.NewBatchedStore(store)}
}

func (r *recorder) writer(frame any) tracestore.EventWriter {
	if f, ok := frame.(*interp.Frame); ok && f.Ctx != nil {
		if b, ok := f.Ctx.Value(batchKey{}).(*tracestore.BatchedStore); ok {
			return b
		}
	}
	return r.shared
}

func (r *recorder) sourceID(w tracestore.EventWriter, src *arbor.Source) (*int64, error) {
	if src == nil {
		return nil, nil
	}
	id, err := w.InsertSource(&tracestore.Source{SessionID: r.session, Name: src.Name(), Language: src.Language()})
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func (r *recorder) write(w tracestore.EventWriter, ev *tracestore.Event, sec *arbor.Section) error {
	ev.SessionID = r.session
	ev.At = time.Now().UTC()
	if sec != nil {
		id, err := r.sourceID(w, sec.Source())
		if err != nil {
			return err
		}
		ev.SourceID = id
		ev.StartLine, ev.EndLine = sec.StartLine(), sec.EndLine()
		ev.StartByte, ev.EndByte = sec.Start(), sec.End()
	}
	_, err := w.InsertEvent(ev)
	return err
}

func (r *recorder) executionEvent(binding, kind string, ctx *arbor.EventContext) *tracestore.Event {
	ev := &tracestore.Event{Binding: binding, Kind: kind}
	if root := ctx.Root(); root != nil {
		ev.Root = root.Name()
		if lang := root.Language(); lang != nil {
			for _, t := range lang.ProvidedTags.Sorted() {
				if ctx.HasTag(t) {
					ev.Tags = append(ev.Tags, string(t))
				}
			}
		}
	}
	return ev
}

// execution returns the listener recording executions for binding.
func (r *recorder) execution(binding string) arbor.ExecutionListener {
	return &arbor.ExecutionFuncs{
		Enter: func(ctx *arbor.EventContext, frame any) error {
			return r.write(r.writer(frame), r.executionEvent(binding, tracestore.KindEnter, ctx), ctx.Section())
		},
		Return: func(ctx *arbor.EventContext, frame any, result any) error {
			ev := r.executionEvent(binding, tracestore.KindReturn, ctx)
			ev.Value = formatValue(result)
			return r.write(r.writer(frame), ev, ctx.Section())
		},
		Exceptional: func(ctx *arbor.EventContext, frame any, err error) error {
			ev := r.executionEvent(binding, tracestore.KindExceptional, ctx)
			ev.Error = err.Error()
			return r.write(r.writer(frame), ev, ctx.Section())
		},
		Input: func(ctx *arbor.EventContext, frame any, input *arbor.EventContext, index int, value any) error {
			ev := r.executionEvent(binding, tracestore.KindInput, input)
			ev.Value = fmt.Sprintf("%d: %s", index, formatValue(value))
			return r.write(r.writer(frame), ev, input.Section())
		},
	}
}

func (r *recorder) loadSource(binding string) arbor.LoadSourceListener {
	return arbor.LoadSourceFunc(func(ev arbor.LoadSourceEvent) error {
		return r.sourceEvent(binding, tracestore.KindLoadSource, ev.Source)
	})
}

func (r *recorder) executeSource(binding string) arbor.ExecuteSourceListener {
	return arbor.ExecuteSourceFunc(func(ev arbor.ExecuteSourceEvent) error {
		return r.sourceEvent(binding, tracestore.KindExecuteSource, ev.Source)
	})
}

func (r *recorder) sourceEvent(binding, kind string, src *arbor.Source) error {
	id, err := r.sourceID(r.shared, src)
	if err != nil {
		return err
	}
	_, err = r.shared.InsertEvent(&tracestore.Event{
		SessionID: r.session, SourceID: id, Binding: binding, Kind: kind, At: time.Now().UTC(),
	})
	return err
}

func (r *recorder) loadSection(binding string) arbor.LoadSourceSectionListener {
	return arbor.LoadSourceSectionFunc(func(ev arbor.LoadSourceSectionEvent) error {
		te := &tracestore.Event{Binding: binding, Kind: tracestore.KindLoadSection}
		if ev.Node != nil {
			te.Value = ev.Node.Kind()
			if root := ev.Node.Root(); root != nil {
				te.Root = root.Name()
			}
		}
		return r.write(r.shared, te, ev.Section)
	})
}

// attach attaches every binding of cfg through client.
func (r *recorder) attach(ctx context.Context, client *arbor.Client, cfg *config.Config) ([]*arbor.Binding, error) {
	var bindings []*arbor.Binding
	for _, bc := range cfg.Bindings {
		b, err := r.attachOne(ctx, client, bc)
		if err != nil {
			return bindings, fmt.Errorf("binding %q: %w", bc.Name, err)
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func (r *recorder) attachOne(ctx context.Context, client *arbor.Client, bc *config.Binding) (*arbor.Binding, error) {
	f, err := bc.Filter()
	if err != nil {
		return nil, err
	}
	switch bc.Kind {
	case config.KindExecution:
		in, err := bc.InputFilter()
		if err != nil {
			return nil, err
		}
		return client.AttachExecutionListener(f, in, r.execution(bc.Name))
	case config.KindLoadSource:
		return client.AttachLoadSourceListener(ctx, f, r.loadSource(bc.Name), bc.ShouldNotifyExisting())
	case config.KindExecuteSource:
		return client.AttachExecuteSourceListener(ctx, f, r.executeSource(bc.Name), bc.ShouldNotifyExisting())
	case config.KindLoadSection:
		return client.AttachLoadSourceSectionListener(f, r.loadSection(bc.Name), bc.ShouldNotifyExisting())
	}
	return nil, errors.New("unknown binding kind " + bc.Kind)
}

// flush commits the shared batch.
func (r *recorder) flush() error {
	return r.shared.Commit()
}

func formatValue(v any) string {
	if v == nil {
		return ""
	}
	s := fmt.Sprint(v)
	if len(s) > maxValueLen {
		s = s[:maxValueLen] + "..."
	}
	return s
}
