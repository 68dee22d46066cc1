// Package match adapts structural pattern matchers to the rule evaluator.
//
// A Provider parses source text for a language and returns the syntax nodes
// selected by a pattern. Patterns are opaque JSON objects whose shape is
// defined by the provider: TreeSitter takes a tree-sitter query, AstGrep takes
// an ast-grep rule config.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnsupportedLanguage is returned by Provider.Language for names the
// provider cannot parse.
var ErrUnsupportedLanguage = errors.New("unsupported language")

// Position is a location in source text. Line and Column are zero-based;
// Offset is a byte offset from the start of the source.
type Position struct {
	Line   int
	Column int
	Offset int
}

// Range spans a node from Start up to End.
type Range struct {
	Start Position
	End   Position
}

// Node is one matched syntax node.
type Node struct {
	// Kind is the grammar node type, e.g. "method_definition". Providers that
	// cannot report it leave it empty.
	Kind  string
	Text  string
	Range Range
}

// Language is a provider-specific handle for a source language.
type Language struct {
	// Name is the rule-table spelling, e.g. "JavaScript".
	Name string
	// ID is the provider's own identifier for the language.
	ID string
}

// Pattern is an opaque pattern description taken from a rule.
type Pattern = json.RawMessage

// Provider resolves languages and runs patterns against source text.
type Provider interface {
	// Language resolves a rule-table language name. It returns an error
	// wrapping ErrUnsupportedLanguage when the name is unknown.
	Language(name string) (Language, error)

	// Match parses source and returns the nodes selected by pattern in
	// document order.
	Match(ctx context.Context, lang Language, pattern Pattern, source string) ([]Node, error)
}

// Provider kinds accepted by New.
const (
	KindTreeSitter = "tree-sitter"
	KindAstGrep    = "ast-grep"
)

// New builds the provider named by kind. astGrepBinary is only used for
// KindAstGrep and may be empty to search PATH.
func New(kind, astGrepBinary string) (Provider, error) {
	switch kind {
	case KindTreeSitter, "":
		return NewTreeSitter(), nil
	case KindAstGrep:
		p := NewAstGrep(astGrepBinary)
		if !p.Available() {
			return nil, ErrAstGrepUnavailable
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown match provider %q", kind)
	}
}
