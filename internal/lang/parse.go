package lang

import (
	"context"
	"fmt"
	"os"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/arbor/internal/tree"
)

// File is a parsed source file.
type File struct {
	Source   *tree.Source
	Language *tree.Language
	Roots    []*tree.Root

	// tree keeps the syntax tree alive for materialization.
	tree *sitter.Tree
}

// Close releases the syntax tree. Roots of the file must not be
// materialized afterwards.
func (f *File) Close() {
	if f.tree != nil {
		f.tree.Close()
		f.tree = nil
	}
}

// ParseFile reads and parses path, detecting the language from its
// extension.
func ParseFile(ctx context.Context, path string) (*File, error) {
	langName, ok := LanguageForFile(path)
	if !ok {
		return nil, fmt.Errorf("lang: unsupported file extension: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lang: reading %s: %w", path, err)
	}
	return Parse(ctx, path, langName, content)
}

// Parse builds one root per function-like declaration of content.
func Parse(ctx context.Context, name, langName string, content []byte) (*File, error) {
	grammar, ok := GrammarFor(langName)
	if !ok {
		return nil, fmt.Errorf("lang: unsupported language %q", langName)
	}
	syn := syntaxes[langName]
	desc := descriptors[langName]

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	st, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("lang: parse %s: %w", name, err)
	}

	b := &builder{
		src:     tree.NewSource(name, langName, content),
		syn:     syn,
		content: content,
	}
	f := &File{Source: b.src, Language: desc, tree: st}
	b.functions(st.RootNode(), func(fn *sitter.Node) {
		body := fn.ChildByFieldName("body")
		if body == nil {
			return
		}
		bodyNode := tree.NewNode(body.Type(), b.section(body), bodyCaps{}, b.statements(body)...)
		bodyNode.Value = body
		f.Roots = append(f.Roots, tree.NewRoot(b.functionName(fn), desc, b.section(fn), bodyNode))
	})
	return f, nil
}

// builder converts syntax nodes of one file.
type builder struct {
	src     *tree.Source
	syn     syntax
	content []byte
}

func (b *builder) section(n *sitter.Node) *tree.Section {
	return b.src.MustSection(int(n.StartByte()), int(n.EndByte()))
}

// functions calls fn for every function-like node in document order,
// including nested ones.
func (b *builder) functions(n *sitter.Node, fn func(*sitter.Node)) {
	if b.syn.functions[n.Type()] {
		fn(n)
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		b.functions(n.NamedChild(i), fn)
	}
}

func (b *builder) functionName(fn *sitter.Node) string {
	if name := fn.ChildByFieldName("name"); name != nil {
		return name.Content(b.content)
	}
	// C declarators nest the identifier.
	for d := fn.ChildByFieldName("declarator"); d != nil; d = d.ChildByFieldName("declarator") {
		if d.Type() == "identifier" {
			return d.Content(b.content)
		}
	}
	return fmt.Sprintf("<anonymous>:%d", fn.StartPoint().Row+1)
}

// statements converts the nearest statements below n into coarse nodes.
// Nested functions are roots of their own and are skipped.
func (b *builder) statements(n *sitter.Node) []*tree.Node {
	var out []*tree.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch {
		case b.syn.functions[c.Type()]:
		case b.syn.statements[c.Type()]:
			node := tree.NewNode(c.Type(), b.section(c), coarseCaps{b: b}, b.statements(c)...)
			node.Value = c
			out = append(out, node)
		default:
			out = append(out, b.statements(c)...)
		}
	}
	return out
}

// fine converts n at expression granularity.
func (b *builder) fine(n *sitter.Node) *tree.Node {
	node := tree.NewNode(n.Type(), b.section(n), fineCaps{tags: b.syn.tagsOf(n.Type())}, b.fineChildren(n)...)
	node.Value = n
	return node
}

func (b *builder) fineChildren(n *sitter.Node) []*tree.Node {
	var out []*tree.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c := n.NamedChild(i)
		switch {
		case b.syn.functions[c.Type()]:
		case b.syn.fine(c.Type()):
			out = append(out, b.fine(c))
		default:
			out = append(out, b.fineChildren(c)...)
		}
	}
	return out
}
