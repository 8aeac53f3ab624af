package lang

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/jward/arbor/internal/tree"
)

// syntax classifies the node types of one grammar.
type syntax struct {
	functions   set
	statements  set
	calls       set
	expressions set
}

type set map[string]bool

func newSet(types ...string) set {
	s := make(set, len(types))
	for _, t := range types {
		s[t] = true
	}
	return s
}

var jsSyntax = syntax{
	functions: newSet("function_declaration", "method_definition", "generator_function_declaration"),
	statements: newSet("expression_statement", "lexical_declaration", "variable_declaration",
		"return_statement", "if_statement", "for_statement", "for_in_statement",
		"while_statement", "do_statement", "throw_statement", "try_statement", "switch_statement"),
	calls: newSet("call_expression", "new_expression"),
	expressions: newSet("call_expression", "new_expression", "binary_expression", "unary_expression",
		"assignment_expression", "augmented_assignment_expression", "member_expression",
		"subscript_expression", "ternary_expression", "await_expression", "update_expression"),
}

var syntaxes = map[string]syntax{
	"go": {
		functions: newSet("function_declaration", "method_declaration"),
		statements: newSet("expression_statement", "assignment_statement", "short_var_declaration",
			"return_statement", "if_statement", "for_statement", "inc_statement", "dec_statement",
			"go_statement", "defer_statement", "var_declaration", "const_declaration",
			"expression_switch_statement", "type_switch_statement", "send_statement"),
		calls: newSet("call_expression"),
		expressions: newSet("call_expression", "binary_expression", "unary_expression",
			"selector_expression", "index_expression", "composite_literal", "type_assertion_expression"),
	},
	"python": {
		functions: newSet("function_definition"),
		statements: newSet("expression_statement", "return_statement", "if_statement",
			"for_statement", "while_statement", "raise_statement", "pass_statement",
			"with_statement", "try_statement", "import_statement", "import_from_statement",
			"assert_statement", "delete_statement"),
		calls: newSet("call"),
		expressions: newSet("call", "binary_operator", "comparison_operator", "boolean_operator",
			"unary_operator", "attribute", "subscript", "assignment", "augmented_assignment",
			"conditional_expression", "await"),
	},
	"javascript": jsSyntax,
	"typescript": jsSyntax,
	"rust": {
		functions:  newSet("function_item"),
		statements: newSet("expression_statement", "let_declaration"),
		calls:      newSet("call_expression", "macro_invocation"),
		expressions: newSet("call_expression", "macro_invocation", "binary_expression",
			"unary_expression", "field_expression", "index_expression", "return_expression",
			"assignment_expression", "compound_assignment_expr", "try_expression"),
	},
	"c": {
		functions: newSet("function_definition"),
		statements: newSet("expression_statement", "declaration", "return_statement", "if_statement",
			"for_statement", "while_statement", "do_statement", "switch_statement"),
		calls: newSet("call_expression"),
		expressions: newSet("call_expression", "binary_expression", "unary_expression",
			"assignment_expression", "field_expression", "subscript_expression",
			"update_expression", "conditional_expression", "pointer_expression"),
	},
	"java": {
		functions: newSet("method_declaration", "constructor_declaration"),
		statements: newSet("expression_statement", "local_variable_declaration", "return_statement",
			"if_statement", "for_statement", "enhanced_for_statement", "while_statement",
			"do_statement", "throw_statement", "try_statement", "switch_expression"),
		calls: newSet("method_invocation", "object_creation_expression"),
		expressions: newSet("method_invocation", "object_creation_expression", "binary_expression",
			"unary_expression", "assignment_expression", "field_access", "array_access",
			"ternary_expression", "update_expression", "cast_expression"),
	},
}

// tagsOf returns the tags a node of type typ carries at expression
// granularity.
func (s syntax) tagsOf(typ string) tree.TagSet {
	tags := tree.NewTagSet()
	if s.statements[typ] {
		tags[tree.StatementTag] = struct{}{}
	}
	if s.calls[typ] {
		tags[tree.CallTag] = struct{}{}
	}
	if s.expressions[typ] {
		tags[tree.ExpressionTag] = struct{}{}
	}
	return tags
}

func (s syntax) fine(typ string) bool {
	return s.statements[typ] || s.calls[typ] || s.expressions[typ]
}

// Capabilities

// bodyCaps marks the body of a root.
type bodyCaps struct{}

func (bodyCaps) Instrumentable() bool { return true }
func (bodyCaps) HasTag(t tree.Tag) bool {
	return t == tree.RootTag || t == tree.RootBodyTag
}

// coarseCaps is a statement whose nested calls and expressions are not
// built yet.
type coarseCaps struct {
	b *builder
}

func (coarseCaps) Instrumentable() bool   { return true }
func (coarseCaps) HasTag(t tree.Tag) bool { return t == tree.StatementTag }

// Materialize replaces the statement by its expression-level form when
// calls or expressions are requested.
func (c coarseCaps) Materialize(n *tree.Node, tags tree.TagSet) *tree.Node {
	if !tags.Has(tree.CallTag) && !tags.Has(tree.ExpressionTag) {
		return n
	}
	sn, ok := n.Value.(*sitter.Node)
	if !ok {
		return n
	}
	return c.b.fine(sn)
}

// fineCaps is a node at expression granularity.
type fineCaps struct {
	tags tree.TagSet
}

func (fineCaps) Instrumentable() bool     { return true }
func (c fineCaps) HasTag(t tree.Tag) bool { return c.tags.Has(t) }
