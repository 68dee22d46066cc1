package activedoc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/chosenoffset/activedoc/pkg/activedoc/match"
	"github.com/chosenoffset/activedoc/pkg/activedoc/metrics"
	"github.com/chosenoffset/activedoc/pkg/activedoc/rules"
)

// Classify splits quantifier nodes into those with a structurally equal node
// in constraint (satisfied) and the rest (violated). Both results keep the
// order of quantifier.
//
// A satisfied count that differs from len(constraint) means the constraint
// pattern matched spans the quantifier never selected. That is logged but
// does not change the result.
func Classify(quantifier, constraint []match.Node, logger *slog.Logger) (satisfied, violated []match.Node) {
	satisfied = make([]match.Node, 0, len(quantifier))
	violated = make([]match.Node, 0, len(quantifier))
	for _, n := range quantifier {
		if match.ContainsEqual(constraint, n) {
			satisfied = append(satisfied, n)
		} else {
			violated = append(violated, n)
		}
	}

	if len(satisfied) != len(constraint) && logger != nil {
		logger.Info("constraint matches outside the quantifier",
			"satisfied", len(satisfied),
			"constraint", len(constraint))
	}
	return satisfied, violated
}

// SnippetFromNode records the text and location of a matched node.
func SnippetFromNode(n match.Node) rules.Snippet {
	return rules.Snippet{
		Text:    n.Text,
		Lines:   rules.Span{Start: n.Range.Start.Line, End: n.Range.End.Line},
		Columns: rules.Span{Start: n.Range.Start.Column, End: n.Range.End.Column},
		Offsets: rules.Span{Start: n.Range.Start.Offset, End: n.Range.End.Offset},
	}
}

func snippetsFromNodes(nodes []match.Node) []rules.Snippet {
	out := make([]rules.Snippet, len(nodes))
	for i, n := range nodes {
		out[i] = SnippetFromNode(n)
	}
	return out
}

// Evaluator runs a rule's two patterns against source text.
type Evaluator struct {
	provider match.Provider
	logger   *slog.Logger
	limits   Limits
}

// NewEvaluator creates an evaluator backed by provider. Zero fields of limits
// take their defaults.
func NewEvaluator(provider match.Provider, limits Limits, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{provider: provider, logger: logger, limits: limits.withDefaults()}
}

// EvaluateOnSource classifies the rule's quantifier matches in source.
//
// It never fails: empty or oversized source, an unsupported language and
// provider failures all degrade to empty or partial results, which are
// logged.
func (ev *Evaluator) EvaluateOnSource(ctx context.Context, rule rules.Rule, source string) rules.SnippetSet {
	if source == "" {
		return rules.EmptySnippetSet()
	}
	if int64(len(source)) > ev.limits.MaxFileSize {
		ev.logger.Warn("source exceeds size limit, skipping",
			"rule", rule.ID,
			"size", len(source),
			"limit", ev.limits.MaxFileSize)
		return rules.EmptySnippetSet()
	}

	lang, err := ev.provider.Language(rule.Language)
	if err != nil {
		ev.logger.Info("language not supported", "rule", rule.ID, "language", rule.Language, "error", err)
		return rules.EmptySnippetSet()
	}

	ctx, span := metrics.StartSpan(ctx, "Evaluator.EvaluateOnSource",
		attribute.String("rule.id", rule.ID),
		attribute.String("rule.language", rule.Language),
		attribute.Int("source.bytes", len(source)),
	)
	defer span.End()
	start := time.Now()

	quantifier := ev.matchPattern(ctx, rule, lang, "quantifier", rule.QuantifierPattern, source)
	constraint := ev.matchPattern(ctx, rule, lang, "constraint", rule.ConstraintPattern, source)
	satisfied, violated := Classify(quantifier, constraint, ev.logger.With("rule", rule.ID))

	span.SetAttributes(
		attribute.Int("snippets.satisfied", len(satisfied)),
		attribute.Int("snippets.violated", len(violated)),
	)
	metrics.RecordEvaluation(rule.Language, time.Since(start), len(satisfied), len(violated))

	return rules.SnippetSet{
		Satisfied: snippetsFromNodes(satisfied),
		Violated:  snippetsFromNodes(violated),
	}
}

// matchPattern runs one pattern under the evaluation time limit. Errors and
// panics from the provider count as no matches.
func (ev *Evaluator) matchPattern(ctx context.Context, rule rules.Rule, lang match.Language, which string, pattern match.Pattern, source string) []match.Node {
	ctx, cancel := context.WithTimeout(ctx, ev.limits.MaxEvaluationTime)
	defer cancel()

	nodes, err := ev.safeMatch(ctx, lang, pattern, source)
	if err != nil {
		reason := "error"
		var pe *panicError
		switch {
		case errors.As(err, &pe):
			reason = "panic"
		case errors.Is(err, context.DeadlineExceeded):
			reason = "timeout"
		}
		metrics.RecordProviderError(reason)
		ev.logger.Warn("pattern match failed, treating as no matches",
			"rule", rule.ID,
			"pattern", which,
			"reason", reason,
			"error", err)
		return nil
	}
	return nodes
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("match provider panic: %v", e.value)
}

func (ev *Evaluator) safeMatch(ctx context.Context, lang match.Language, pattern match.Pattern, source string) (nodes []match.Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			nodes, err = nil, &panicError{value: r}
		}
	}()
	nodes, err = ev.provider.Match(ctx, lang, pattern, source)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return nodes, err
}

// recordSpanError marks span as failed.
func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
