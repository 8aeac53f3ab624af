// Package config loads binding definitions for the arbor CLI from HCL files.
//
// A bindings file holds any number of binding blocks:
//
//	binding "trace" {
//	  kind       = "execution"
//	  tags       = ["statement", "call"]
//	  source     = "*.go"
//	  lines      = [3, 12]
//	  root       = "Greet*"
//	  expression = "start_line > 2"
//	  input_tags = ["expression"]
//	}
//
// Kinds are execution (the default), load_source, execute_source and
// load_section.
package config

import (
	"context"
	"fmt"
	"path"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/jward/arbor/internal/ctxlog"
	"github.com/jward/arbor/internal/filter"
	"github.com/jward/arbor/internal/tree"
)

// Binding kinds.
const (
	KindExecution     = "execution"
	KindLoadSource    = "load_source"
	KindExecuteSource = "execute_source"
	KindLoadSection   = "load_section"
)

// Config is a decoded bindings file.
type Config struct {
	Bindings []*Binding `hcl:"binding,block"`
}

// Binding describes one binding to attach.
type Binding struct {
	Name           string   `hcl:"name,label"`
	Kind           string   `hcl:"kind,optional"`
	Tags           []string `hcl:"tags,optional"`
	Source         string   `hcl:"source,optional"`
	Languages      []string `hcl:"languages,optional"`
	Lines          []int    `hcl:"lines,optional"`
	Root           string   `hcl:"root,optional"`
	Expression     string   `hcl:"expression,optional"`
	InputTags      []string `hcl:"input_tags,optional"`
	NotifyExisting *bool    `hcl:"notify_existing,optional"`
}

// Default returns the configuration used when no file is given: one
// execution binding on statements.
func Default() *Config {
	return &Config{Bindings: []*Binding{{Name: "trace", Kind: KindExecution, Tags: []string{string(tree.StatementTag)}}}}
}

// Load parses and validates the bindings file at filePath.
func Load(ctx context.Context, filePath string) (*Config, error) {
	ctxlog.FromContext(ctx).Debug("Loading bindings", "path", filePath)
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filePath, diags)
	}
	return decode(f.Body, filePath)
}

// Parse parses and validates bindings from src. filename is used in
// diagnostics only.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(f.Body, filename)
}

func decode(body hcl.Body, filename string) (*Config, error) {
	var cfg Config
	if diags := gohcl.DecodeBody(body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return &cfg, nil
}

// Validate applies defaults and checks every binding.
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, b := range c.Bindings {
		if seen[b.Name] {
			return fmt.Errorf("binding %q: defined more than once", b.Name)
		}
		seen[b.Name] = true
		if b.Kind == "" {
			b.Kind = KindExecution
		}
		if err := b.validate(); err != nil {
			return fmt.Errorf("binding %q: %w", b.Name, err)
		}
	}
	return nil
}

func (b *Binding) validate() error {
	switch b.Kind {
	case KindExecution, KindLoadSection:
	case KindLoadSource, KindExecuteSource:
		if len(b.Tags) > 0 || len(b.Lines) > 0 || b.Root != "" || b.Expression != "" || len(b.InputTags) > 0 {
			return fmt.Errorf("%s bindings accept only source and languages", b.Kind)
		}
	default:
		return fmt.Errorf("unknown kind %q", b.Kind)
	}
	if len(b.Lines) != 0 && (len(b.Lines) != 2 || b.Lines[0] < 1 || b.Lines[1] < b.Lines[0]) {
		return fmt.Errorf("lines must be [start, end] with 1 <= start <= end, got %v", b.Lines)
	}
	if len(b.InputTags) > 0 && b.Kind != KindExecution {
		return fmt.Errorf("input_tags requires an execution binding")
	}
	for _, p := range []string{b.Source, b.Root} {
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("pattern %q: %w", p, err)
		}
	}
	_, err := b.Filter()
	return err
}

// ShouldNotifyExisting reports whether the binding replays already loaded
// sources or sections. It defaults to true.
func (b *Binding) ShouldNotifyExisting() bool {
	return b.NotifyExisting == nil || *b.NotifyExisting
}

// Filter builds the location filter of the binding.
func (b *Binding) Filter() (*filter.Filter, error) {
	fb := filter.NewBuilder()
	if len(b.Tags) > 0 {
		fb.TagIs(toTags(b.Tags)...)
	}
	b.sourceElements(fb)
	if len(b.Lines) == 2 {
		fb.LineIn(filter.Between(b.Lines[0], b.Lines[1]+1))
	}
	if b.Root != "" {
		pattern := b.Root
		fb.RootNameIs(pattern, func(name string) bool {
			return matchName(pattern, name)
		})
	}
	if b.Expression != "" {
		fb.Expression(b.Expression)
	}
	return fb.Build()
}

// InputFilter builds the input filter, or returns nil when the binding
// does not observe input values.
func (b *Binding) InputFilter() (*filter.Filter, error) {
	if len(b.InputTags) == 0 {
		return nil, nil
	}
	fb := filter.NewBuilder().TagIs(toTags(b.InputTags)...)
	b.sourceElements(fb)
	return fb.Build()
}

func (b *Binding) sourceElements(fb *filter.Builder) {
	if b.Source != "" {
		pattern := b.Source
		fb.SourceMatches("source name matches "+pattern, func(src *tree.Source) bool {
			return matchName(pattern, src.Name())
		})
	}
	if len(b.Languages) > 0 {
		fb.LanguageIs(b.Languages...)
	}
}

// matchName matches pattern against name or, for paths, its base name.
func matchName(pattern, name string) bool {
	if ok, _ := path.Match(pattern, name); ok {
		return true
	}
	ok, _ := path.Match(pattern, filepath.Base(name))
	return ok
}

func toTags(names []string) []tree.Tag {
	tags := make([]tree.Tag, len(names))
	for i, n := range names {
		tags[i] = tree.Tag(n)
	}
	return tags
}
