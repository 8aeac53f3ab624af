package filter

import (
	"context"
	"fmt"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/object"

	"github.com/jward/arbor/internal/tree"
)

// exprElement matches nodes for which a Risor expression evaluates to true.
// The expression sees these globals:
//
//	kind        node kind
//	tags        list of the node's tags among the language's provided tags
//	has_tag(t)  true if the node carries tag t
//	source      source name ("" without a section)
//	language    source language
//	root        root name
//	start, end  byte offsets of the section
//	start_line, end_line
//	text        section text
//
// Evaluation errors and non-boolean results count as no match.
type exprElement struct {
	src string
}

func compileExpr(src string) (exprElement, error) {
	e := exprElement{src: src}
	// Evaluate once against an empty node so syntax errors and unknown
	// names surface when the filter is built rather than during a walk.
	res, err := risor.Eval(context.Background(), src, e.options(nil, nil, nil)...)
	if err != nil {
		return exprElement{}, fmt.Errorf("expression %q: %w", src, err)
	}
	if _, ok := res.(*object.Bool); !ok {
		return exprElement{}, fmt.Errorf("expression %q: must evaluate to bool, got %s", src, res.Type())
	}
	return e, nil
}

func (e exprElement) options(provided tree.TagSet, n *tree.Node, sec *tree.Section) []risor.Option {
	var (
		kind, source, language, root, text string
		start, end, startLine, endLine     int
		tags                               []object.Object
	)
	if n != nil {
		kind = n.Kind()
		if r := n.Root(); r != nil {
			root = r.Name()
		}
		for _, t := range provided.Sorted() {
			if n.HasTag(t) {
				tags = append(tags, object.NewString(string(t)))
			}
		}
	}
	if sec != nil {
		source = sec.Source().Name()
		language = sec.Source().Language()
		start, end = sec.Start(), sec.End()
		startLine, endLine = sec.StartLine(), sec.EndLine()
		text = sec.Text()
	}
	hasTag := object.NewBuiltin("has_tag", func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 1 {
			return object.NewArgsError("has_tag", 1, len(args))
		}
		s, ok := args[0].(*object.String)
		if !ok {
			return object.Errorf("has_tag: tag must be a string, got %s", args[0].Type())
		}
		t := tree.Tag(s.Value())
		return object.NewBool(n != nil && provided.Has(t) && n.HasTag(t))
	})
	return []risor.Option{
		risor.WithGlobal("kind", object.NewString(kind)),
		risor.WithGlobal("tags", object.NewList(tags)),
		risor.WithGlobal("has_tag", hasTag),
		risor.WithGlobal("source", object.NewString(source)),
		risor.WithGlobal("language", object.NewString(language)),
		risor.WithGlobal("root", object.NewString(root)),
		risor.WithGlobal("start", object.NewInt(int64(start))),
		risor.WithGlobal("end", object.NewInt(int64(end))),
		risor.WithGlobal("start_line", object.NewInt(int64(startLine))),
		risor.WithGlobal("end_line", object.NewInt(int64(endLine))),
		risor.WithGlobal("text", object.NewString(text)),
	}
}

func (exprElement) rootIncluded(tree.TagSet, *tree.Root, *tree.Section, tree.Bits) bool { return true }

func (e exprElement) nodeIncluded(provided tree.TagSet, n *tree.Node, sec *tree.Section) bool {
	res, err := risor.Eval(context.Background(), e.src, e.options(provided, n, sec)...)
	if err != nil {
		return false
	}
	b, ok := res.(*object.Bool)
	return ok && b.Value()
}

func (exprElement) sourceIncluded(*tree.Source) bool { return true }
func (exprElement) sourceOnly() bool                 { return false }
func (e exprElement) String() string                 { return "expression " + e.src }
