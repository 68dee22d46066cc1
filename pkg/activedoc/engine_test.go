package activedoc

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chosenoffset/activedoc/pkg/activedoc/dashboard"
	"github.com/chosenoffset/activedoc/pkg/activedoc/logging"
	"github.com/chosenoffset/activedoc/pkg/activedoc/rules"
)

const scenarioTable = `[
  {
    "index": "1",
    "title": "T",
    "description": "D",
    "tags": [],
    "rulePatternQuantifier": {"regex": "get\\w+\\(\\)"},
    "rulePatternConstraint": {"regex": "getUser\\(\\)"},
    "language": "JavaScript",
    "filesAndFolders": ["a.js"]
  }
]`

const twoRuleTable = `[
  {
    "index": "getters",
    "title": "Getters",
    "description": "Only getUser is allowed",
    "tags": ["api"],
    "rulePatternQuantifier": {"regex": "get\\w+\\(\\)"},
    "rulePatternConstraint": {"regex": "getUser\\(\\)"},
    "language": "JavaScript",
    "filesAndFolders": ["src/", "lib/util.js"]
  },
  {
    "index": "saves",
    "title": "Saves",
    "description": "Every save is awaited",
    "tags": [],
    "rulePatternQuantifier": {"regex": "(await )?save\\(\\)"},
    "rulePatternConstraint": {"regex": "await save\\(\\)"},
    "language": "JavaScript",
    "filesAndFolders": ["lib"]
  }
]`

type engineFixture struct {
	ws       *memWorkspace
	provider *regexProvider
	pub      *recordingPublisher
	notifier *recordingNotifier
	engine   *Engine
}

func newEngineFixture(t *testing.T, files map[string]string, limits Limits) *engineFixture {
	t.Helper()
	f := &engineFixture{
		ws:       newMemWorkspace(files),
		provider: &regexProvider{},
		pub:      &recordingPublisher{},
		notifier: &recordingNotifier{},
	}
	ev := NewEvaluator(f.provider, limits, nil)
	f.engine = NewEngine(f.ws, ev, f.pub, EngineOptions{Notifier: f.notifier})
	return f
}

func decodeEnvelope(t *testing.T, msg string) (string, json.RawMessage) {
	t.Helper()
	var env struct {
		Command string          `json:"command"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(msg), &env))
	return env.Command, env.Data
}

func TestLoadRules(t *testing.T) {
	ctx := context.Background()

	t.Run("Valid", func(t *testing.T) {
		f := newEngineFixture(t, map[string]string{"ruleTable.json": twoRuleTable}, Limits{})
		loaded := f.engine.LoadRules(ctx)
		require.Len(t, loaded, 2)
		assert.Equal(t, "getters", loaded[0].ID)
		assert.Equal(t, 0, f.notifier.count())
	})

	t.Run("NotAnArray", func(t *testing.T) {
		f := newEngineFixture(t, map[string]string{"ruleTable.json": `{"index": "1"}`}, Limits{})
		assert.Empty(t, f.engine.LoadRules(ctx))
		require.Equal(t, 1, f.notifier.count())
		assert.ErrorIs(t, f.notifier.errs[0], rules.ErrNotArray)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		f := newEngineFixture(t, map[string]string{"ruleTable.json": `[{"index": `}, Limits{})
		assert.Empty(t, f.engine.LoadRules(ctx))
		assert.Equal(t, 1, f.notifier.count())
	})

	t.Run("Missing", func(t *testing.T) {
		f := newEngineFixture(t, map[string]string{}, Limits{})
		loaded := f.engine.LoadRules(ctx)
		assert.NotNil(t, loaded)
		assert.Empty(t, loaded)
		assert.Equal(t, 1, f.notifier.count())
	})

	t.Run("InvalidEntriesDroppedSilently", func(t *testing.T) {
		table := `[{"index": "", "title": "T"}, ` + scenarioTable[1:]
		f := newEngineFixture(t, map[string]string{"ruleTable.json": table}, Limits{})
		loaded := f.engine.LoadRules(ctx)
		require.Len(t, loaded, 1)
		assert.Equal(t, "1", loaded[0].ID)
		assert.Equal(t, 0, f.notifier.count())
	})

	t.Run("DuplicateIndex", func(t *testing.T) {
		table := `[` + scenarioTable[1:len(scenarioTable)-1] + `,` + scenarioTable[1:]
		f := newEngineFixture(t, map[string]string{"ruleTable.json": table}, Limits{})
		assert.Len(t, f.engine.LoadRules(ctx), 1)
	})

	t.Run("RuleLimit", func(t *testing.T) {
		f := newEngineFixture(t, map[string]string{"ruleTable.json": twoRuleTable}, Limits{MaxRules: 1})
		loaded := f.engine.LoadRules(ctx)
		require.Len(t, loaded, 1)
		assert.Equal(t, "getters", loaded[0].ID)
	})
}

func TestEvaluateAllScenario(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"ruleTable.json": scenarioTable,
		"a.js":           "getUser();\ngetAll();\n",
	}, Limits{})
	ctx := context.Background()

	loaded := f.engine.LoadRules(ctx)
	evaluated := f.engine.EvaluateAll(ctx, loaded)

	require.Len(t, evaluated, 1)
	require.Len(t, evaluated[0].Results, 1)
	require.Len(t, evaluated[0].Results[0], 1)
	pr := evaluated[0].Results[0][0]
	assert.Equal(t, "a.js", pr.RelativeFilePath)
	assert.Len(t, pr.Snippets.Satisfied, 1)
	assert.Len(t, pr.Snippets.Violated, 1)

	assert.Nil(t, loaded[0].Results, "input rules are not modified")
}

func TestEvaluateAllScopeOrder(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"ruleTable.json":  twoRuleTable,
		"src/b.js":        "getAll();",
		"src/a.js":        "getUser();",
		"src/nested/c.js": "getOther();",
		"lib/util.js":     "save(); await save(); getX();",
	}, Limits{MaxConcurrency: 2})
	f.ws.unreadable["src/b.js"] = true
	ctx := context.Background()

	evaluated := f.engine.EvaluateAll(ctx, f.engine.LoadRules(ctx))
	require.Len(t, evaluated, 2)

	getters := evaluated[0]
	require.Len(t, getters.Results, 2)
	require.Len(t, getters.Results[0], 2)
	assert.Equal(t, "src/a.js", getters.Results[0][0].RelativeFilePath)
	assert.Len(t, getters.Results[0][0].Snippets.Satisfied, 1)
	assert.Equal(t, "src/b.js", getters.Results[0][1].RelativeFilePath)
	assert.Equal(t, rules.EmptySnippetSet(), getters.Results[0][1].Snippets)
	require.Len(t, getters.Results[1], 1)
	assert.Equal(t, "lib/util.js", getters.Results[1][0].RelativeFilePath)
	assert.Len(t, getters.Results[1][0].Snippets.Violated, 1)

	saves := evaluated[1]
	require.Len(t, saves.Results, 1)
	require.Len(t, saves.Results[0], 1)
	satisfied, violated := saves.Counts()
	assert.Equal(t, 1, satisfied)
	assert.Equal(t, 1, violated)
}

func TestEvaluateAllMissingScopeEntry(t *testing.T) {
	f := newEngineFixture(t, map[string]string{"ruleTable.json": scenarioTable}, Limits{})
	ctx := context.Background()

	evaluated := f.engine.EvaluateAll(ctx, f.engine.LoadRules(ctx))
	require.Len(t, evaluated[0].Results, 1)
	assert.Equal(t, []rules.PathResult{{RelativeFilePath: "a.js", Snippets: rules.EmptySnippetSet()}}, evaluated[0].Results[0])
	assert.Zero(t, f.provider.calls.Load())
}

func TestEvaluateAllResolvesScopeEntriesConcurrently(t *testing.T) {
	files := map[string]string{}
	var entries []string
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("f%d.js", i)
		files[name] = "getUser();"
		entries = append(entries, fmt.Sprintf(`{
			"index": "r%d", "title": "T", "description": "D", "tags": [],
			"rulePatternQuantifier": {"regex": "get\\w+\\(\\)"},
			"rulePatternConstraint": {"regex": "getUser\\(\\)"},
			"language": "JavaScript",
			"filesAndFolders": [%q]
		}`, i, name))
	}
	files["ruleTable.json"] = "[" + strings.Join(entries, ",") + "]"

	f := newEngineFixture(t, files, Limits{MaxConcurrency: 4})
	f.ws.resolveDelay = 50 * time.Millisecond
	ctx := context.Background()

	loaded := f.engine.LoadRules(ctx)
	require.Len(t, loaded, 4)
	evaluated := f.engine.EvaluateAll(ctx, loaded)

	assert.Greater(t, f.ws.maxResolving.Load(), int64(1), "scope entries resolved one at a time")
	for i, r := range evaluated {
		require.Len(t, r.Results, 1)
		require.Len(t, r.Results[0], 1)
		assert.Equal(t, fmt.Sprintf("f%d.js", i), r.Results[0][0].RelativeFilePath)
		assert.Len(t, r.Results[0][0].Snippets.Satisfied, 1)
	}
}

func TestRefresh(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"ruleTable.json": scenarioTable,
		"a.js":           "getUser();\ngetAll();\n",
	}, Limits{})

	f.engine.Refresh(context.Background())

	current := f.engine.Rules()
	require.Len(t, current, 1)
	require.Len(t, current[0].Results, 1)

	msgs := f.pub.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "publish", msgs[0].method)
	assert.Equal(t, dashboard.TopicRuleTable, msgs[0].key)

	cmd, data := decodeEnvelope(t, msgs[0].msg)
	assert.Equal(t, dashboard.TopicRuleTable, cmd)
	var table []rules.Rule
	require.NoError(t, json.Unmarshal(data, &table))
	require.Len(t, table, 1)
	assert.Equal(t, "a.js", table[0].Results[0][0].RelativeFilePath)
}

func TestRefreshWithBrokenTablePublishesEmptyTable(t *testing.T) {
	f := newEngineFixture(t, map[string]string{
		"ruleTable.json": scenarioTable,
		"a.js":           "getUser();",
	}, Limits{})
	ctx := context.Background()
	f.engine.Refresh(ctx)
	require.Len(t, f.engine.Rules(), 1)

	f.ws.set("ruleTable.json", `"not a table"`)
	f.engine.Refresh(ctx)

	assert.Empty(t, f.engine.Rules())
	assert.Equal(t, 1, f.notifier.count())
	msgs := f.pub.all()
	_, data := decodeEnvelope(t, msgs[len(msgs)-1].msg)
	assert.JSONEq(t, `[]`, string(data))
}

// hubClient collects what a Hub sends to it.
type hubClient struct {
	mu   sync.Mutex
	msgs []string
}

func (c *hubClient) ID() string { return "late" }
func (c *hubClient) Open() bool { return true }
func (c *hubClient) Close() error { return nil }

func (c *hubClient) Send(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, string(message))
	return nil
}

func TestRefreshClearsQueuedFileUpdates(t *testing.T) {
	ws := newMemWorkspace(map[string]string{
		"ruleTable.json": scenarioTable,
		"a.js":           "getUser();\ngetAll();\n",
	})
	hub := dashboard.NewHub(logging.Discard())
	ev := NewEvaluator(&regexProvider{}, Limits{}, logging.Discard())
	engine := NewEngine(ws, ev, hub, EngineOptions{Notifier: &recordingNotifier{}, Logger: logging.Discard()})
	ctx := context.Background()

	engine.Refresh(ctx)
	require.Equal(t, 1, engine.OnFileChanged(ctx, "a.js"))
	assert.Equal(t, []string{
		dashboard.TopicRuleTable,
		dashboard.TopicUpdatedRuleTable,
		dashboard.TopicUpdatedCode,
	}, hub.Keys())

	ws.set("ruleTable.json", "[]")
	engine.Refresh(ctx)
	assert.Equal(t, []string{dashboard.TopicRuleTable}, hub.Keys())

	late := &hubClient{}
	hub.Connect(late)
	require.Len(t, late.msgs, 1, "a new client only sees the current table")
	cmd, data := decodeEnvelope(t, late.msgs[0])
	assert.Equal(t, dashboard.TopicRuleTable, cmd)
	assert.JSONEq(t, `[]`, string(data))
}

func TestRefreshCoalescesConcurrentCalls(t *testing.T) {
	f := newEngineFixture(t, map[string]string{"ruleTable.json": scenarioTable}, Limits{})

	entered := make(chan struct{}, 10)
	release := make(chan struct{})
	f.ws.readHook = func() {
		entered <- struct{}{}
		<-release
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.engine.Refresh(ctx)
	}()
	<-entered

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.Refresh(ctx)
		}()
	}
	require.Eventually(t, func() bool {
		f.engine.flightMu.Lock()
		defer f.engine.flightMu.Unlock()
		return f.engine.requested == 4
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	wg.Wait()

	assert.EqualValues(t, 2, f.ws.reads.Load(), "one run plus one trailing run")
	assert.Len(t, f.pub.all(), 2)
}

func TestOnFileChanged(t *testing.T) {
	files := map[string]string{
		"ruleTable.json":  twoRuleTable,
		"src/a.js":        "getUser();",
		"src/b.js":        "getAll();",
		"src/nested/c.js": "getOther();",
		"lib/util.js":     "save();",
		"other/x.js":      "getUser();",
	}
	ctx := context.Background()

	t.Run("UnrelatedFile", func(t *testing.T) {
		f := newEngineFixture(t, files, Limits{})
		f.engine.Refresh(ctx)
		f.pub.reset()
		calls := f.provider.calls.Load()

		assert.Equal(t, 0, f.engine.OnFileChanged(ctx, "other/x.js"))
		assert.Equal(t, calls, f.provider.calls.Load())
		assert.Empty(t, f.pub.all())
	})

	t.Run("NameSharingPrefixIsNotContained", func(t *testing.T) {
		f := newEngineFixture(t, files, Limits{})
		f.engine.Refresh(ctx)
		f.pub.reset()
		assert.Equal(t, 0, f.engine.OnFileChanged(ctx, "src2/a.js"))
		assert.Empty(t, f.pub.all())
	})

	t.Run("FolderContainment", func(t *testing.T) {
		f := newEngineFixture(t, files, Limits{})
		f.engine.Refresh(ctx)
		before := f.engine.Rules()
		f.pub.reset()

		f.ws.set("src/b.js", "getUser();")
		assert.Equal(t, 1, f.engine.OnFileChanged(ctx, "src/b.js"))

		after := f.engine.Rules()
		require.Len(t, after, 2)
		assert.Len(t, after[0].Results[0][1].Snippets.Satisfied, 1)
		assert.Empty(t, after[0].Results[0][1].Snippets.Violated)
		assert.Equal(t, before[1], after[1], "unaffected rules keep prior results")
		assert.Len(t, before[0].Results[0][1].Snippets.Violated, 1, "previous table is not modified")

		msgs := f.pub.all()
		require.Len(t, msgs, 3)
		assert.Equal(t, published{"publish", dashboard.TopicUpdatedRuleTable, msgs[0].msg}, msgs[0])
		assert.Equal(t, "publish", msgs[1].method)
		assert.Equal(t, dashboard.TopicUpdatedCode, msgs[1].key)
		assert.Equal(t, "queue", msgs[2].method)
		assert.Equal(t, dashboard.TopicRuleTable, msgs[2].key)

		_, data := decodeEnvelope(t, msgs[0].msg)
		var updated []rules.Rule
		require.NoError(t, json.Unmarshal(data, &updated))
		require.Len(t, updated, 1)
		assert.Equal(t, "getters", updated[0].ID)

		_, data = decodeEnvelope(t, msgs[1].msg)
		var view rules.FileView
		require.NoError(t, json.Unmarshal(data, &view))
		assert.Equal(t, "src/b.js", view.RelativeFilePath)
		require.Len(t, view.Rules, 1)
		assert.Len(t, view.Rules[0].Snippets.Satisfied, 1)
	})

	t.Run("ExactAndFolderMatchBothRules", func(t *testing.T) {
		f := newEngineFixture(t, files, Limits{})
		f.engine.Refresh(ctx)
		f.pub.reset()

		assert.Equal(t, 2, f.engine.OnFileChanged(ctx, "./lib/util.js"))

		_, data := decodeEnvelope(t, f.pub.all()[1].msg)
		var view rules.FileView
		require.NoError(t, json.Unmarshal(data, &view))
		assert.Equal(t, "lib/util.js", view.RelativeFilePath)
		assert.Len(t, view.Rules, 2)
	})
}

func TestHandleSave(t *testing.T) {
	files := map[string]string{
		"ruleTable.json": scenarioTable,
		"a.js":           "getUser();",
	}
	ctx := context.Background()
	f := newEngineFixture(t, files, Limits{})

	f.engine.HandleSave(ctx, "ruleTable.json")
	require.Len(t, f.engine.Rules(), 1)
	assert.EqualValues(t, 1, f.ws.reads.Load())

	f.pub.reset()
	f.engine.HandleSave(ctx, "a.js")
	assert.EqualValues(t, 1, f.ws.reads.Load(), "source saves do not reload the table")
	msgs := f.pub.all()
	require.NotEmpty(t, msgs)
	assert.Equal(t, dashboard.TopicUpdatedRuleTable, msgs[0].key)
}

func TestCoversPath(t *testing.T) {
	tests := []struct {
		scope []string
		rel   string
		want  bool
	}{
		{[]string{"a.js"}, "a.js", true},
		{[]string{"./a.js"}, "a.js", true},
		{[]string{"src"}, "src/a.js", true},
		{[]string{"src/"}, "src/deep/a.js", true},
		{[]string{"src"}, "srcs/a.js", false},
		{[]string{"src/a.js"}, "src", false},
		{[]string{""}, "anything.js", true},
		{[]string{"."}, "x/y.js", true},
		{[]string{"lib", "src"}, "src/a.js", true},
		{[]string{`src\win`}, "src/win/a.js", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, coversPath(tt.scope, normalizePath(tt.rel)), "%v contains %q", tt.scope, tt.rel)
	}
}
