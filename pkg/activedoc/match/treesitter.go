package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// DefaultCapture is the capture name TreeSitter collects when a pattern does
// not name one.
const DefaultCapture = "match"

// treeSitterLanguages maps rule-table language names to grammars.
var treeSitterLanguages = map[string]func() *sitter.Language{
	"JavaScript": javascript.GetLanguage,
	"TypeScript": typescript.GetLanguage,
	"Java":       java.GetLanguage,
	"Python":     python.GetLanguage,
	"Go":         golang.GetLanguage,
}

// QueryPattern is the pattern shape understood by TreeSitter.
//
//	{"query": "(method_definition name: (property_identifier) @name) @match", "capture": "match"}
//
// Every node bound to Capture is returned. When no capture of that name
// exists in a match, the match's first capture is used.
type QueryPattern struct {
	Query   string `json:"query"`
	Capture string `json:"capture,omitempty"`
}

// TreeSitter is a Provider backed by tree-sitter queries. A new parser is
// created per call, so a TreeSitter is safe for concurrent use.
type TreeSitter struct {
	mu      sync.Mutex
	queries map[string]*sitter.Query
}

// NewTreeSitter returns a TreeSitter provider.
func NewTreeSitter() *TreeSitter {
	return &TreeSitter{queries: make(map[string]*sitter.Query)}
}

// Language implements Provider.
func (p *TreeSitter) Language(name string) (Language, error) {
	if _, ok := treeSitterLanguages[name]; !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
	return Language{Name: name, ID: name}, nil
}

// Match implements Provider.
func (p *TreeSitter) Match(ctx context.Context, lang Language, pattern Pattern, source string) ([]Node, error) {
	getLang, ok := treeSitterLanguages[lang.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang.Name)
	}
	qp, err := decodeQueryPattern(pattern)
	if err != nil {
		return nil, err
	}
	grammar := getLang()

	query, err := p.query(lang.ID, qp.Query, grammar)
	if err != nil {
		return nil, err
	}

	content := []byte(source)
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, tree.RootNode())

	seen := make(map[[3]uint32]bool)
	var nodes []Node
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		m = qc.FilterPredicates(m, content)
		if len(m.Captures) == 0 {
			continue
		}
		captured := m.Captures[0].Node
		for _, c := range m.Captures {
			if query.CaptureNameForId(c.Index) == qp.Capture {
				captured = c.Node
				break
			}
		}
		key := [3]uint32{captured.StartByte(), captured.EndByte(), uint32(captured.Symbol())}
		if seen[key] {
			continue
		}
		seen[key] = true
		nodes = append(nodes, nodeFromSitter(captured, content))
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Range.Start.Offset != nodes[j].Range.Start.Offset {
			return nodes[i].Range.Start.Offset < nodes[j].Range.Start.Offset
		}
		return nodes[i].Range.End.Offset > nodes[j].Range.End.Offset
	})
	return nodes, nil
}

// query returns a compiled query, compiling it on first use. Compiled
// queries are immutable and shared between cursors.
func (p *TreeSitter) query(langID, source string, grammar *sitter.Language) (*sitter.Query, error) {
	key := langID + "\x00" + source
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queries[key]; ok {
		return q, nil
	}
	q, err := sitter.NewQuery([]byte(source), grammar)
	if err != nil {
		return nil, fmt.Errorf("compile query: %w", err)
	}
	p.queries[key] = q
	return q, nil
}

// Close releases compiled queries.
func (p *TreeSitter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, q := range p.queries {
		q.Close()
		delete(p.queries, k)
	}
}

func decodeQueryPattern(pattern Pattern) (QueryPattern, error) {
	var qp QueryPattern
	if err := json.Unmarshal(pattern, &qp); err != nil {
		return QueryPattern{}, fmt.Errorf("decode query pattern: %w", err)
	}
	if strings.TrimSpace(qp.Query) == "" {
		return QueryPattern{}, fmt.Errorf("query pattern has no query")
	}
	if qp.Capture == "" {
		qp.Capture = DefaultCapture
	}
	return qp, nil
}

func nodeFromSitter(n *sitter.Node, content []byte) Node {
	start, end := n.StartPoint(), n.EndPoint()
	return Node{
		Kind: n.Type(),
		Text: n.Content(content),
		Range: Range{
			Start: Position{Line: int(start.Row), Column: int(start.Column), Offset: int(n.StartByte())},
			End:   Position{Line: int(end.Row), Column: int(end.Column), Offset: int(n.EndByte())},
		},
	}
}
