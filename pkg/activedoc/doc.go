// Package activedoc checks a workspace's source code against user-authored
// design rules and keeps connected dashboards up to date as files are saved.
//
// # Overview
//
// A rule pairs two structural patterns over one language. The quantifier
// selects every occurrence the rule is about; the constraint selects the
// occurrences that comply. Each quantifier match is reported as satisfied when
// the constraint matched the same node, and as violated otherwise.
//
// Rules live in a JSON rule table (ruleTable.json by default) at the
// workspace root. Each rule names the files and folders it applies to.
// Folders cover the files directly inside them.
//
// # Quick Start
//
//	ws, _ := workspace.NewDir(root, logger)
//	provider, _ := match.New(match.KindTreeSitter, "")
//	hub := dashboard.NewHub(logger)
//
//	engine := activedoc.NewEngine(ws,
//		activedoc.NewEvaluator(provider, activedoc.DefaultLimits(), logger),
//		hub,
//		activedoc.EngineOptions{Notifier: dashboard.NewNotifier(hub, logger)})
//	engine.Refresh(ctx)
//
//	// On every save:
//	engine.HandleSave(ctx, "src/store.js")
//
// # Architecture
//
//   - Engine: owns the current rule table and decides what to re-evaluate
//   - Evaluator: runs one rule against one source through a match.Provider
//   - match: tree-sitter queries and ast-grep rules as pattern languages
//   - workspace: reads files and expands folders relative to the root
//   - dashboard: the WebSocket hub that replays the latest message per topic
//   - watcher: turns file system events into debounced saves
//
// # Messages
//
// Every message is a JSON envelope {"command": ..., "data": ...}.
// RULE_TABLE carries the whole table. UPDATED_RULE_TABLE_MSG carries the rules
// re-evaluated after a save and UPDATED_CODE_MSG the results for the saved
// file. ERROR_MSG reports a rule table that could not be loaded; it is never
// replayed to clients that connect later.
//
// # Limits
//
// Limits bounds each refresh: the number of rules, the size of a source file,
// the time one provider call may take and how many evaluations run at once.
// A provider that fails, panics or times out yields no matches for that
// pattern rather than failing the refresh.
package activedoc
