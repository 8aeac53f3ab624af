package arbor

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jward/arbor/internal/interp"
	"github.com/jward/arbor/internal/lang"
)

// benchGoSource is a realistic Go file with functions, methods and calls
// for exercising parsing, walks and instrumented execution.
const benchGoSource = `package bench

import (
	"fmt"
	"strings"
)

type Config struct {
	Name     string
	Debug    bool
	MaxRetry int
	Tags     []string
}

// Validate checks the config for correctness.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.MaxRetry < 0 {
		return fmt.Errorf("max_retry must be non-negative")
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{Name: %s, Debug: %v}", c.Name, c.Debug)
}

func (c *Config) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func process(tags []string) string {
	joined := strings.Join(tags, ", ")
	msg := fmt.Sprintf("processing with tags: %s", joined)
	return msg
}

func BuildGreeting(name string) string {
	greeting := fmt.Sprintf("Hello, %s!", name)
	upper := strings.ToUpper(greeting)
	return upper
}

func CountWords(s string) int {
	words := strings.Fields(s)
	n := len(words)
	return n
}
`

type benchSetup struct {
	engine *Engine
	file   *lang.File
	it     *interp.Interpreter
}

// setupBench parses benchGoSource and loads its roots into a fresh engine.
func setupBench(b *testing.B) *benchSetup {
	b.Helper()
	f, err := lang.Parse(context.Background(), "bench.go", "go", []byte(benchGoSource))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(f.Close)

	e := NewEngine(
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithRegistry(prometheus.NewRegistry()),
	)
	b.Cleanup(func() { e.Close() })
	for _, root := range f.Roots {
		if err := e.OnRootLoaded(root); err != nil {
			b.Fatal(err)
		}
	}
	return &benchSetup{engine: e, file: f, it: interp.New(e)}
}

func (s *benchSetup) callAll(b *testing.B) {
	for _, root := range s.file.Roots {
		if _, err := s.it.Call(context.Background(), root); err != nil {
			b.Fatal(err)
		}
	}
}

func countingListener(n *atomic.Int64) ExecutionListener {
	return &ExecutionFuncs{Enter: func(*EventContext, any) error {
		n.Add(1)
		return nil
	}}
}

// BenchmarkParse_Go measures building instrumentable roots from source.
func BenchmarkParse_Go(b *testing.B) {
	ctx := context.Background()
	for b.Loop() {
		f, err := lang.Parse(ctx, "bench.go", "go", []byte(benchGoSource))
		if err != nil {
			b.Fatal(err)
		}
		f.Close()
	}
}

// BenchmarkAttachDispose_Statements measures one insert walk and one
// dispose walk over executed roots.
func BenchmarkAttachDispose_Statements(b *testing.B) {
	s := setupBench(b)
	s.callAll(b)
	c := s.engine.NewClient("bench")
	f := NewFilter().TagIs(StatementTag).MustBuild()
	var n atomic.Int64

	for b.Loop() {
		binding, err := c.AttachExecutionListener(f, nil, countingListener(&n))
		if err != nil {
			b.Fatal(err)
		}
		if err := binding.Dispose(); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkExecute_Uninstrumented is the baseline for the instrumented runs.
func BenchmarkExecute_Uninstrumented(b *testing.B) {
	s := setupBench(b)
	for b.Loop() {
		s.callAll(b)
	}
}

// BenchmarkExecute_Statements measures execution with a listener on every
// statement.
func BenchmarkExecute_Statements(b *testing.B) {
	s := setupBench(b)
	var n atomic.Int64
	if _, err := s.engine.NewClient("bench").AttachExecutionListener(
		NewFilter().TagIs(StatementTag).MustBuild(), nil, countingListener(&n)); err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		s.callAll(b)
	}
	if n.Load() == 0 {
		b.Fatal("no statement was entered")
	}
}

// BenchmarkExecute_Calls measures execution with materialized
// expression-level nodes.
func BenchmarkExecute_Calls(b *testing.B) {
	s := setupBench(b)
	var n atomic.Int64
	if _, err := s.engine.NewClient("bench").AttachExecutionListener(
		NewFilter().TagIs(CallTag).MustBuild(), nil, countingListener(&n)); err != nil {
		b.Fatal(err)
	}
	for b.Loop() {
		s.callAll(b)
	}
	if n.Load() == 0 {
		b.Fatal("no call was entered")
	}
}
