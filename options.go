package arbor

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Walks, wrapper changes and chain builds are
// logged at debug level; unhandled listener failures at error level.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithRegistry registers the engine's metrics in reg instead of a private
// registry. Each engine needs its own registry, or a registry wrapped with
// prometheus.WrapRegistererWith, since metric names are fixed.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(e *Engine) {
		e.registry = reg
	}
}

// WithExceptionHandler receives failures of non-language listeners. The
// default logs them.
func WithExceptionHandler(fn func(*ListenerError)) Option {
	return func(e *Engine) {
		e.onListenerError = fn
	}
}

// WithInitialCapacity sets the initial slot count of the engine's root and
// binding registries.
func WithInitialCapacity(n int) Option {
	return func(e *Engine) {
		e.capacity = n
	}
}
