package match

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrAstGrepUnavailable is returned by AstGrep.Match when no ast-grep binary
// was found.
var ErrAstGrepUnavailable = errors.New("ast-grep binary not found")

// astGrepLanguages maps rule-table language names to ast-grep language ids.
var astGrepLanguages = map[string]string{
	"JavaScript": "javascript",
	"TypeScript": "typescript",
	"Java":       "java",
	"Python":     "python",
	"Go":         "go",
}

const inlineRuleID = "activedoc-pattern"

// astGrepMatch is one element of `ast-grep scan --json` output.
type astGrepMatch struct {
	Text  string `json:"text"`
	Range struct {
		ByteOffset struct {
			Start int `json:"start"`
			End   int `json:"end"`
		} `json:"byteOffset"`
		Start struct {
			Line   int `json:"line"`
			Column int `json:"column"`
		} `json:"start"`
		End struct {
			Line   int `json:"line"`
			Column int `json:"column"`
		} `json:"end"`
	} `json:"range"`
	RuleID string `json:"ruleId"`
}

// runFunc executes binary with args, feeding stdin, and returns stdout.
type runFunc func(ctx context.Context, binary string, args []string, stdin string) ([]byte, error)

// AstGrep is a Provider that shells out to the ast-grep CLI. Patterns are
// ast-grep rule configs such as
//
//	{"rule": {"kind": "method_definition", "has": {"kind": "property_identifier", "regex": "^get"}}}
//
// The JSON output of ast-grep does not carry node kinds, so returned nodes
// have an empty Kind.
type AstGrep struct {
	binary string
	run    runFunc
}

// NewAstGrep returns a provider using binary, or the first of "ast-grep" and
// "sg" found on PATH when binary is empty.
func NewAstGrep(binary string) *AstGrep {
	if binary == "" {
		binary = findAstGrepBinary()
	}
	return &AstGrep{binary: binary, run: runCommand}
}

// findAstGrepBinary checks for "ast-grep" first because many Linux systems
// ship an unrelated "sg" (setgroups) command.
func findAstGrepBinary() string {
	if _, err := exec.LookPath("ast-grep"); err == nil {
		return "ast-grep"
	}
	if _, err := exec.LookPath("sg"); err == nil {
		return "sg"
	}
	return ""
}

// Available reports whether an ast-grep binary was found.
func (p *AstGrep) Available() bool {
	return p.binary != ""
}

// Language implements Provider.
func (p *AstGrep) Language(name string) (Language, error) {
	id, ok := astGrepLanguages[name]
	if !ok {
		return Language{}, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, name)
	}
	return Language{Name: name, ID: id}, nil
}

// Match implements Provider.
func (p *AstGrep) Match(ctx context.Context, lang Language, pattern Pattern, source string) ([]Node, error) {
	if !p.Available() {
		return nil, ErrAstGrepUnavailable
	}
	inline, err := inlineRule(lang, pattern)
	if err != nil {
		return nil, err
	}

	args := []string{"scan", "--stdin", "--json=compact", "--inline-rules", inline}
	out, runErr := p.run(ctx, p.binary, args, source)
	trimmed := bytes.TrimSpace(out)
	if runErr != nil && !bytes.HasPrefix(trimmed, []byte("[")) {
		return nil, fmt.Errorf("ast-grep scan: %w", runErr)
	}
	return decodeScanOutput(trimmed)
}

// inlineRule wraps an ast-grep rule config into a complete inline rule
// document with an id and language.
func inlineRule(lang Language, pattern Pattern) (string, error) {
	var cfg map[string]any
	if err := json.Unmarshal(pattern, &cfg); err != nil {
		return "", fmt.Errorf("decode ast-grep rule config: %w", err)
	}
	if _, ok := cfg["rule"]; !ok {
		return "", fmt.Errorf("ast-grep rule config has no \"rule\" key")
	}
	cfg["id"] = inlineRuleID
	cfg["language"] = lang.ID

	doc, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode inline rule: %w", err)
	}
	return string(doc), nil
}

func decodeScanOutput(out []byte) ([]Node, error) {
	if len(out) == 0 {
		return nil, nil
	}
	var matches []astGrepMatch
	if err := json.Unmarshal(out, &matches); err != nil {
		return nil, fmt.Errorf("decode ast-grep output: %w", err)
	}
	nodes := make([]Node, 0, len(matches))
	for _, m := range matches {
		nodes = append(nodes, Node{
			Text: m.Text,
			Range: Range{
				Start: Position{Line: m.Range.Start.Line, Column: m.Range.Start.Column, Offset: m.Range.ByteOffset.Start},
				End:   Position{Line: m.Range.End.Line, Column: m.Range.End.Column, Offset: m.Range.ByteOffset.End},
			},
		})
	}
	return nodes, nil
}

func runCommand(ctx context.Context, binary string, args []string, stdin string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, err
}
