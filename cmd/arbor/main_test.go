package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor/internal/ctxlog"
	"github.com/jward/arbor/internal/tracestore"
)

const greetSource = `package main

import "fmt"

func Greet(name string) string {
	msg := fmt.Sprintf("Hello, %s!", name)
	return msg
}

func Twice(n int) int {
	m := n * 2
	return m
}
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestRun(t *testing.T) (runOptions, context.Context) {
	t.Helper()
	dir := t.TempDir()
	opts := runOptions{
		Files:   []string{writeFile(t, dir, "main.go", greetSource)},
		DBPath:  filepath.Join(dir, "trace.db"),
		Workers: 2,
		Repeat:  1,
	}
	ctx := ctxlog.WithLogger(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	return opts, ctx
}

func openStore(t *testing.T, path string) *tracestore.Store {
	t.Helper()
	s, err := tracestore.NewStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================
// Flags and output
// ============================================================

func TestValidateFormat(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validateFormat("json"))
	assert.NoError(t, validateFormat("text"))
	assert.ErrorContains(t, validateFormat("yaml"), `invalid format "yaml"`)
}

func TestNewLogger(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := newLogger("warn", "json", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)

	buf.Reset()
	newLogger("bogus", "text", &buf).Info("info by default")
	assert.Contains(t, buf.String(), "info by default")
}

func TestWriteEvents_Text(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := writeEvents(&buf, "text", []*tracestore.Event{
		{ID: 1, Binding: "trace", Kind: "enter", SourceName: "main.go", StartLine: 3, EndLine: 4, Root: "Greet", Tags: []string{"statement"}},
		{ID: 2, Binding: "trace", Kind: "exceptional", SourceName: "main.go", StartLine: 3, EndLine: 3, Error: "boom\nagain"},
		{ID: 3, Binding: "loads", Kind: "load_source"},
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "main.go:3-4")
	assert.Contains(t, lines[1], "statement")
	assert.Contains(t, lines[2], "error: boom again")
	assert.Contains(t, lines[3], "-")
}

func TestWriteSummary_JSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, "json", &runSummary{Session: "s1", Roots: 2, Counts: map[string]int{"enter": 3}}))
	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "s1", got["session"])
	assert.Equal(t, float64(2), got["roots"])
}

// ============================================================
// Runs
// ============================================================

func TestExecute_RecordsStatements(t *testing.T) {
	t.Parallel()
	opts, ctx := newTestRun(t)

	sum, err := execute(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Files)
	assert.Equal(t, 2, sum.Roots)
	assert.Equal(t, 1, sum.Bindings)
	assert.Equal(t, 4, sum.Counts[tracestore.KindEnter], "two statements per function")
	assert.Equal(t, 4, sum.Counts[tracestore.KindReturn])

	store := openStore(t, opts.DBPath)
	events, err := listEvents(store, tracestore.EventQuery{Kind: tracestore.KindReturn})
	require.NoError(t, err)
	require.Len(t, events, 4)
	for _, ev := range events {
		assert.Equal(t, opts.Files[0], ev.SourceName)
		assert.Contains(t, ev.Tags, "statement")
	}

	var values []string
	for _, ev := range events {
		values = append(values, ev.Value)
	}
	assert.Contains(t, values, "return msg")
}

func TestExecute_LateAttachMatchesEarly(t *testing.T) {
	t.Parallel()
	early, ctx := newTestRun(t)
	late, _ := newTestRun(t)
	late.Late = true

	sumEarly, err := execute(ctx, early)
	require.NoError(t, err)
	sumLate, err := execute(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, sumEarly.Counts, sumLate.Counts)
}

func TestExecute_RepeatAddsEvents(t *testing.T) {
	t.Parallel()
	opts, ctx := newTestRun(t)
	opts.Repeat = 3
	sum, err := execute(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 12, sum.Counts[tracestore.KindEnter])
}

func TestExecute_ConfiguredBindings(t *testing.T) {
	t.Parallel()
	opts, ctx := newTestRun(t)
	opts.ConfigPath = writeFile(t, filepath.Dir(opts.DBPath), "bindings.hcl", `
binding "calls" {
  tags = ["call"]
  root = "Greet"
}

binding "sources" {
  kind = "execute_source"
}

binding "loads" {
  kind   = "load_source"
  source = "*.go"
}

binding "sections" {
  kind = "load_section"
  tags = ["statement"]
}
`)

	sum, err := execute(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Bindings)
	assert.Equal(t, 1, sum.Counts[tracestore.KindExecuteSource])
	assert.Equal(t, 1, sum.Counts[tracestore.KindLoadSource])
	// Four statements at load. The call binding makes the first execution
	// materialize the statements of both visited roots, and each replacement
	// statement is new loaded code reported again.
	assert.Equal(t, 8, sum.Counts[tracestore.KindLoadSection])

	store := openStore(t, opts.DBPath)
	calls, err := listEvents(store, tracestore.EventQuery{Binding: "calls", Kind: tracestore.KindReturn})
	require.NoError(t, err)
	require.Len(t, calls, 1, "only Greet has a call")
	assert.Equal(t, `fmt.Sprintf("Hello, %s!", name)`, calls[0].Value)
	assert.Equal(t, "Greet", calls[0].Root)
	assert.Contains(t, calls[0].Tags, "call")
}

func TestExecute_Errors(t *testing.T) {
	t.Parallel()
	opts, ctx := newTestRun(t)

	bad := opts
	bad.Files = []string{filepath.Join(t.TempDir(), "notes.txt")}
	_, err := execute(ctx, bad)
	require.Error(t, err)

	bad = opts
	bad.ConfigPath = writeFile(t, t.TempDir(), "bad.hcl", `binding "x" { kind = "nope" }`)
	_, err = execute(ctx, bad)
	require.ErrorContains(t, err, "unknown kind")
}

func TestListEvents_NoSessions(t *testing.T) {
	t.Parallel()
	store := openStore(t, filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, store.Migrate())
	_, err := listEvents(store, tracestore.EventQuery{})
	require.ErrorContains(t, err, "no recorded sessions")
}
