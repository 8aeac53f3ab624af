package lang

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/arbor/internal/tree"
)

const goSource = `package main

import "fmt"

func Greet(name string) string {
	msg := fmt.Sprintf("Hello, %s!", name)
	return msg
}

func Loop(n int) int {
	total := 0
	for i := 0; i < n; i++ {
		total += i
	}
	return total
}
`

func parseGo(t *testing.T) *File {
	t.Helper()
	f, err := Parse(context.Background(), "main.go", "go", []byte(goSource))
	require.NoError(t, err)
	t.Cleanup(f.Close)
	return f
}

func kinds(nodes []*tree.Node) []string {
	var out []string
	for _, n := range nodes {
		out = append(out, n.Kind())
	}
	return out
}

func TestLanguageForFile(t *testing.T) {
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"main.go", "go", true},
		{"app.PY", "python", true},
		{"lib.rs", "rust", true},
		{"index.mjs", "javascript", true},
		{"README.md", "", false},
	}
	for _, tt := range tests {
		got, ok := LanguageForFile(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.want, got, tt.path)
	}
}

func TestEverySyntaxHasGrammar(t *testing.T) {
	for _, name := range Supported() {
		_, ok := GrammarFor(name)
		assert.True(t, ok, name)
		d, ok := Descriptor(name)
		require.True(t, ok, name)
		assert.True(t, d.ProvidedTags.Has(tree.ExpressionTag))
	}
}

func TestParse_OneRootPerFunction(t *testing.T) {
	f := parseGo(t)
	require.Len(t, f.Roots, 2)
	assert.Equal(t, "Greet", f.Roots[0].Name())
	assert.Equal(t, "Loop", f.Roots[1].Name())

	d, _ := Descriptor("go")
	assert.Same(t, d, f.Roots[0].Language())
	assert.Equal(t, 5, f.Roots[0].Section().StartLine())
	assert.Equal(t, 8, f.Roots[0].Section().EndLine())

	body := f.Roots[0].Body()
	assert.True(t, body.IsInstrumentable())
	assert.True(t, body.HasTag(tree.RootTag))
	assert.Equal(t, []string{"short_var_declaration", "return_statement"}, kinds(body.Children()))
}

func TestParse_NestedStatements(t *testing.T) {
	f := parseGo(t)
	stmts := f.Roots[1].Body().Children()
	require.Equal(t, []string{"short_var_declaration", "for_statement", "return_statement"}, kinds(stmts))

	loop := stmts[1]
	assert.True(t, loop.HasTag(tree.StatementTag))
	assert.Contains(t, kinds(loop.Children()), "assignment_statement")
}

func TestMaterialize_ExpressionLevel(t *testing.T) {
	f := parseGo(t)
	stmt := f.Roots[0].Body().Child(0)
	m, ok := stmt.Caps().(tree.Materializer)
	require.True(t, ok)

	assert.Same(t, stmt, m.Materialize(stmt, tree.NewTagSet(tree.StatementTag)))

	fine := m.Materialize(stmt, tree.NewTagSet(tree.CallTag))
	require.NotSame(t, stmt, fine)
	assert.Nil(t, fine.Parent())
	assert.True(t, fine.Section().Equal(stmt.Section()))
	assert.True(t, fine.HasTag(tree.StatementTag))
	_, again := fine.Caps().(tree.Materializer)
	assert.False(t, again, "materialized nodes are final")

	var calls []string
	var visit func(n *tree.Node)
	visit = func(n *tree.Node) {
		if n.HasTag(tree.CallTag) {
			calls = append(calls, n.Section().Text())
		}
		for _, c := range n.Children() {
			visit(c)
		}
	}
	visit(fine)
	assert.Equal(t, []string{`fmt.Sprintf("Hello, %s!", name)`}, calls)
}

func TestParse_Python(t *testing.T) {
	src := "def add(a, b):\n    c = a + b\n    print(c)\n    return c\n"
	f, err := Parse(context.Background(), "m.py", "python", []byte(src))
	require.NoError(t, err)
	defer f.Close()
	require.Len(t, f.Roots, 1)
	assert.Equal(t, "add", f.Roots[0].Name())
	assert.Equal(t, []string{"expression_statement", "expression_statement", "return_statement"},
		kinds(f.Roots[0].Body().Children()))
}

func TestParse_CDeclaratorName(t *testing.T) {
	src := "int twice(int x) {\n  return x * 2;\n}\n"
	f, err := Parse(context.Background(), "t.c", "c", []byte(src))
	require.NoError(t, err)
	defer f.Close()
	require.Len(t, f.Roots, 1)
	assert.Equal(t, "twice", f.Roots[0].Name())
}

func TestParseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte(goSource), 0o644))

	f, err := ParseFile(context.Background(), path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, path, f.Source.Name())
	assert.Len(t, f.Roots, 2)

	_, err = ParseFile(context.Background(), filepath.Join(dir, "notes.txt"))
	require.Error(t, err)
	_, err = ParseFile(context.Background(), filepath.Join(dir, "missing.go"))
	require.Error(t, err)
}

func TestParse_UnsupportedLanguage(t *testing.T) {
	_, err := Parse(context.Background(), "x", "cobol", nil)
	require.ErrorContains(t, err, "unsupported language")
}
