// Package lang builds instrumentable trees from source files with
// tree-sitter. Every function-like declaration becomes one root. Statements
// are coarse nodes that materialize into call and expression nodes when a
// binding asks for those tags.
package lang

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/jward/arbor/internal/tree"
)

// extToLanguage maps file extensions to canonical language names.
var extToLanguage = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".py":   "python",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".java": "java",
}

// langToGrammar maps language names to tree-sitter grammars.
// Lazily initialized on first call via sync.Once.
var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			"go":         golang.GetLanguage(),
			"typescript": ts.GetLanguage(),
			"javascript": javascript.GetLanguage(),
			"python":     python.GetLanguage(),
			"rust":       rust.GetLanguage(),
			"c":          c.GetLanguage(),
			"java":       java.GetLanguage(),
		}
	})
}

// providedTags is the vocabulary every bundled language provides.
var providedTags = tree.NewTagSet(
	tree.RootTag,
	tree.RootBodyTag,
	tree.StatementTag,
	tree.CallTag,
	tree.ExpressionTag,
)

// descriptors holds one shared *tree.Language per language so that
// language clients can compare them by identity.
var descriptors = func() map[string]*tree.Language {
	m := make(map[string]*tree.Language, len(syntaxes))
	for name := range syntaxes {
		m[name] = &tree.Language{Name: name, ProvidedTags: providedTags}
	}
	return m
}()

// LanguageForFile returns the canonical language name for a file path based
// on its extension. Returns ("", false) if the extension is not recognized.
func LanguageForFile(path string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := extToLanguage[ext]
	return lang, ok
}

// GrammarFor returns the tree-sitter grammar for a canonical language name.
// Returns (nil, false) if the language is not supported.
func GrammarFor(lang string) (*sitter.Language, bool) {
	initGrammars()
	l, ok := langToGrammar[lang]
	return l, ok
}

// Descriptor returns the language description roots of lang carry.
func Descriptor(lang string) (*tree.Language, bool) {
	d, ok := descriptors[lang]
	return d, ok
}

// Supported lists the canonical names of the bundled languages.
func Supported() []string {
	out := make([]string, 0, len(syntaxes))
	for name := range syntaxes {
		out = append(out, name)
	}
	return out
}
