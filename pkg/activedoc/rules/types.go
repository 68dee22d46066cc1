// Package rules defines the rule table data model: user-authored rules, the
// snippets they match and the per-file results produced by evaluation.
//
// JSON field names follow the rule-table format consumed by the front end, so
// a Rule round-trips through the WebSocket protocol unchanged.
package rules

import (
	"encoding/json"
	"slices"
)

// Span is an inclusive-start, exclusive-end pair along one axis of a match.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Snippet is one matched region of source. Snippets are built only from
// matched nodes and are never modified afterwards.
type Snippet struct {
	Text    string `json:"snippet"`
	Lines   Span   `json:"lines"`
	Columns Span   `json:"columns"`
	Offsets Span   `json:"offsets"`
}

// SnippetSet is the outcome of evaluating one rule against one source file.
type SnippetSet struct {
	Satisfied []Snippet `json:"satisfiedSnippets"`
	Violated  []Snippet `json:"violatedSnippets"`
}

// EmptySnippetSet returns a set whose slices encode as [] rather than null.
func EmptySnippetSet() SnippetSet {
	return SnippetSet{Satisfied: []Snippet{}, Violated: []Snippet{}}
}

// PathResult holds the snippets found in one concrete file.
type PathResult struct {
	RelativeFilePath string     `json:"relativeFilePath" validate:"required"`
	Snippets         SnippetSet `json:"snippets"`
}

// Rule is a named structural check over a set of files and folders.
type Rule struct {
	// ID is the unique key of the rule within a table.
	ID          string   `json:"index" validate:"required"`
	Title       string   `json:"title" validate:"required"`
	Description string   `json:"description" validate:"required"`
	Tags        []string `json:"tags" validate:"required"`

	// QuantifierPattern selects every occurrence the rule cares about.
	QuantifierPattern json.RawMessage `json:"rulePatternQuantifier" validate:"required,pattern"`
	// ConstraintPattern selects the occurrences that comply with the rule.
	ConstraintPattern json.RawMessage `json:"rulePatternConstraint" validate:"required,pattern"`

	Language string   `json:"language"`
	Scope    []string `json:"filesAndFolders" validate:"min=1"`

	// Results has one entry per Scope element, in Scope order. A folder entry
	// holds one PathResult per file it contains.
	Results [][]PathResult `json:"results,omitempty" validate:"omitempty,dive,dive"`
}

// WithResults returns a copy of r carrying results. The receiver is left
// untouched so published tables stay immutable.
func (r Rule) WithResults(results [][]PathResult) Rule {
	r.Tags = slices.Clone(r.Tags)
	r.Scope = slices.Clone(r.Scope)
	r.Results = results
	return r
}

// Counts returns the total satisfied and violated snippets across all results.
func (r Rule) Counts() (satisfied, violated int) {
	for _, entry := range r.Results {
		for _, pr := range entry {
			satisfied += len(pr.Snippets.Satisfied)
			violated += len(pr.Snippets.Violated)
		}
	}
	return satisfied, violated
}
