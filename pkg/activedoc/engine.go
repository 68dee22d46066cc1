package activedoc

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/chosenoffset/activedoc/pkg/activedoc/dashboard"
	"github.com/chosenoffset/activedoc/pkg/activedoc/metrics"
	"github.com/chosenoffset/activedoc/pkg/activedoc/rules"
	"github.com/chosenoffset/activedoc/pkg/activedoc/workspace"
)

// DefaultRuleTable is the rule table file name relative to the workspace root.
const DefaultRuleTable = "ruleTable.json"

// Publisher receives encoded messages for connected clients.
// *dashboard.Hub implements it.
type Publisher interface {
	PublishAndQueue(key string, message []byte)
	Queue(key string, message []byte)
	Drop(keys ...string)
	Broadcast(message []byte)
}

// Notifier surfaces errors the user has to act on, such as a broken rule
// table. *dashboard.Notifier implements it.
type Notifier interface {
	NotifyError(err error)
}

// EngineOptions configures an Engine. Zero values take defaults.
type EngineOptions struct {
	// RuleTable is the workspace-relative path of the rule table.
	RuleTable string
	Notifier  Notifier
	Logger    *slog.Logger
}

// Engine owns the current rule table. It loads and evaluates rules, swaps in
// each new table as a whole and publishes it.
//
// Full refreshes and per-file updates never overlap. Refresh calls made while
// one is running are coalesced into a single trailing run.
type Engine struct {
	ws        workspace.Provider
	ev        *Evaluator
	pub       Publisher
	notifier  Notifier
	logger    *slog.Logger
	ruleTable string

	current atomic.Pointer[[]rules.Rule]

	// writeMu serializes everything that replaces current.
	writeMu sync.Mutex

	// Single-flight refresh state, guarded by flightMu.
	flightMu  sync.Mutex
	flightCnd *sync.Cond
	running   bool
	requested uint64
	completed uint64
}

// NewEngine creates an engine with an empty rule table. Call Refresh to load
// the rule table for the first time.
func NewEngine(ws workspace.Provider, ev *Evaluator, pub Publisher, opts EngineOptions) *Engine {
	if opts.RuleTable == "" {
		opts.RuleTable = DefaultRuleTable
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		ws:        ws,
		ev:        ev,
		pub:       pub,
		notifier:  opts.Notifier,
		logger:    opts.Logger,
		ruleTable: path.Clean(opts.RuleTable),
	}
	e.flightCnd = sync.NewCond(&e.flightMu)
	empty := []rules.Rule{}
	e.current.Store(&empty)
	return e
}

// Rules returns the current rule table. The slice must not be modified.
func (e *Engine) Rules() []rules.Rule {
	return *e.current.Load()
}

// RuleTable returns the workspace-relative path of the rule table.
func (e *Engine) RuleTable() string {
	return e.ruleTable
}

// LoadRules reads and validates the rule table. Invalid entries are dropped
// with a diagnostic. If the table cannot be read or is not a JSON array the
// result is empty and exactly one error is surfaced through the Notifier.
func (e *Engine) LoadRules(ctx context.Context) []rules.Rule {
	ctx, span := metrics.StartSpan(ctx, "Engine.LoadRules", attribute.String("rule_table", e.ruleTable))
	defer span.End()

	text, err := e.ws.ReadFile(ctx, e.ruleTable)
	if err != nil {
		err = fmt.Errorf("error reading %s: %w", e.ruleTable, err)
		recordSpanError(span, err)
		e.surface(err)
		return []rules.Rule{}
	}

	loaded, issues, err := rules.ParseTable([]byte(text))
	if err != nil {
		err = fmt.Errorf("error reading %s: %w", e.ruleTable, err)
		recordSpanError(span, err)
		e.surface(err)
		return []rules.Rule{}
	}
	for _, issue := range issues {
		e.logger.Warn("dropping invalid rule", "rule_table", e.ruleTable, "error", issue)
	}

	seen := make(map[string]bool, len(loaded))
	valid := loaded[:0]
	for _, r := range loaded {
		if seen[r.ID] {
			e.logger.Warn("dropping rule with duplicate index", "rule", r.ID)
			continue
		}
		seen[r.ID] = true
		valid = append(valid, r)
	}

	limit := e.ev.limits.MaxRules
	if len(valid) > limit {
		e.logger.Warn("rule table exceeds rule limit, dropping the rest",
			"rules", len(valid),
			"limit", limit)
		valid = valid[:limit]
	}

	span.SetAttributes(attribute.Int("rules.valid", len(valid)), attribute.Int("rules.invalid", len(issues)))
	return valid
}

func (e *Engine) surface(err error) {
	metrics.RecordRuleTableError()
	if e.notifier != nil {
		e.notifier.NotifyError(err)
		return
	}
	e.logger.Error("rule table error", "error", err)
}

// EvaluateAll evaluates every rule against every file in its scope and returns
// new rules carrying the results. Input rules are not modified. Results keep
// scope order, and a folder entry holds one PathResult per contained file.
func (e *Engine) EvaluateAll(ctx context.Context, in []rules.Rule) []rules.Rule {
	ctx, span := metrics.StartSpan(ctx, "Engine.EvaluateAll", attribute.Int("rules", len(in)))
	defer span.End()

	out := make([]rules.Rule, len(in))
	results := make([][][]rules.PathResult, len(in))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.ev.limits.MaxConcurrency)

	// Each scope entry is resolved in its own task since resolving reads the
	// files. Files are then matched in further tasks, or inline when every
	// slot is taken so a full group cannot block on itself.
	for i, r := range in {
		results[i] = make([][]rules.PathResult, len(r.Scope))
		for j, entry := range r.Scope {
			g.Go(func() error {
				files := e.ws.Resolve(gctx, entry)
				slot := make([]rules.PathResult, len(files))
				results[i][j] = slot
				for k, f := range files {
					evaluate := func() error {
						slot[k] = rules.PathResult{
							RelativeFilePath: f.RelativePath,
							Snippets:         e.ev.EvaluateOnSource(gctx, r, f.Source),
						}
						return nil
					}
					if !g.TryGo(evaluate) {
						_ = evaluate()
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	for i, r := range in {
		out[i] = r.WithResults(results[i])
	}
	return out
}

// Refresh reloads and re-evaluates the whole rule table, swaps it in and
// publishes it. It returns once a refresh that started after the call has
// completed.
func (e *Engine) Refresh(ctx context.Context) {
	e.flightMu.Lock()
	e.requested++
	ticket := e.requested
	if e.running {
		for e.completed < ticket {
			e.flightCnd.Wait()
		}
		e.flightMu.Unlock()
		return
	}
	e.running = true

	for e.completed < e.requested {
		target := e.requested
		e.flightMu.Unlock()

		e.refreshOnce(ctx)

		e.flightMu.Lock()
		e.completed = target
		e.flightCnd.Broadcast()
	}
	e.running = false
	e.flightMu.Unlock()
}

func (e *Engine) refreshOnce(ctx context.Context) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	ctx, span := metrics.StartSpan(ctx, "Engine.Refresh")
	defer span.End()
	start := time.Now()

	next := e.EvaluateAll(ctx, e.LoadRules(ctx))
	prev := e.Rules()
	e.current.Store(&next)
	// Per-file updates queued before this refresh describe an older table and
	// would overwrite the full table when replayed to a new client.
	if e.pub != nil {
		e.pub.Drop(dashboard.TopicUpdatedRuleTable, dashboard.TopicUpdatedCode)
	}
	e.publish(dashboard.TopicRuleTable, next, true)

	if changed := rules.Changed(prev, next); len(changed) > 0 {
		e.logger.Info("rule table changed", "rules", len(next), "changed", changed)
	}
	metrics.SetRules(len(next))
	metrics.RecordRefresh("full", time.Since(start))
	e.logger.Info("rule table refreshed", "rules", len(next), "duration", time.Since(start))
}

// OnFileChanged re-evaluates only the rules whose scope covers
// relativeFilePath and swaps them into the table in place. It publishes the
// updated rules and the changed file's view, and returns how many rules were
// re-evaluated. Nothing is evaluated or published when no rule covers the
// file.
func (e *Engine) OnFileChanged(ctx context.Context, relativeFilePath string) int {
	rel := normalizePath(relativeFilePath)

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	current := e.Rules()
	var affected []int
	for i, r := range current {
		if coversPath(r.Scope, rel) {
			affected = append(affected, i)
		}
	}
	if len(affected) == 0 {
		e.logger.Debug("no rule covers changed file", "path", rel)
		return 0
	}

	ctx, span := metrics.StartSpan(ctx, "Engine.OnFileChanged",
		attribute.String("path", rel),
		attribute.Int("rules.affected", len(affected)))
	defer span.End()
	start := time.Now()

	targets := make([]rules.Rule, len(affected))
	for j, i := range affected {
		targets[j] = current[i]
	}
	updated := e.EvaluateAll(ctx, targets)

	next := slices.Clone(current)
	for j, i := range affected {
		next[i] = updated[j]
	}
	e.current.Store(&next)

	e.publish(dashboard.TopicUpdatedRuleTable, updated, true)
	e.publish(dashboard.TopicUpdatedCode, rules.ViewOfFile(next, rel), true)
	e.publish(dashboard.TopicRuleTable, next, false)

	metrics.RecordRefresh("file", time.Since(start))
	e.logger.Info("rules re-evaluated for changed file",
		"path", rel,
		"rules", len(affected),
		"duration", time.Since(start))
	return len(affected)
}

// HandleSave routes a saved file: the rule table triggers a full refresh,
// anything else a targeted update.
func (e *Engine) HandleSave(ctx context.Context, relativeFilePath string) {
	if normalizePath(relativeFilePath) == e.ruleTable {
		e.Refresh(ctx)
		return
	}
	e.OnFileChanged(ctx, relativeFilePath)
}

// publish encodes data and hands it to the publisher. Unsent messages are only
// queued for clients that connect later.
func (e *Engine) publish(topic string, data any, send bool) {
	if e.pub == nil {
		return
	}
	msg, err := dashboard.Encode(topic, data)
	if err != nil {
		e.logger.Error("encode message", "topic", topic, "error", err)
		return
	}
	if send {
		e.pub.PublishAndQueue(topic, msg)
	} else {
		e.pub.Queue(topic, msg)
	}
}

// coversPath reports whether any scope entry is rel itself or a folder
// containing it. An empty or "." entry covers the whole workspace.
func coversPath(scope []string, rel string) bool {
	for _, entry := range scope {
		entry = normalizePath(entry)
		if entry == "." || entry == rel || strings.HasPrefix(rel, entry+"/") {
			return true
		}
	}
	return false
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}
