package arbor

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation marks a language or executor breaking a structural
	// rule: a materialized node that is already adopted or covers a different
	// section, a wrapper that is already adopted, or an instrumentable node
	// without a parent. These are programming errors and are never retried.
	ErrContractViolation = errors.New("instrumentation contract violation")

	// ErrClientClosed is returned when attaching through a closed client.
	ErrClientClosed = errors.New("client is closed")

	// ErrUnsupported is returned when a request cannot be served, such as a
	// language client filtering on tags its language does not provide.
	ErrUnsupported = errors.New("unsupported")
)

func contractErrorf(format string, args ...any) error {
	return fmt.Errorf("arbor: %s: %w", fmt.Sprintf(format, args...), ErrContractViolation)
}

// ListenerError is a failure raised by a client's listener, factory or
// consumer. Panics are recovered and reported as ListenerErrors too.
type ListenerError struct {
	Binding *Binding
	// Event names the callback that failed, e.g. "enter" or "load_source".
	Event string
	// Section is the location the event was about, if any.
	Section *Section
	Err     error
}

func (e *ListenerError) Error() string {
	client := "<none>"
	if e.Binding != nil {
		client = e.Binding.client.name
	}
	if e.Section != nil {
		return fmt.Sprintf("arbor: %s listener of %s failed at %s: %v", e.Event, client, e.Section, e.Err)
	}
	return fmt.Sprintf("arbor: %s listener of %s failed: %v", e.Event, client, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

// callListener runs fn, converting a panic into an error.
func callListener(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", rerr)
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
		}
	}()
	return fn()
}
