package activedoc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chosenoffset/activedoc/pkg/activedoc/match"
	"github.com/chosenoffset/activedoc/pkg/activedoc/workspace"
)

// regexProvider matches {"regex": "..."} patterns. {"fail": true} returns an
// error, {"panic": true} panics and {"block": true} waits for the context.
type regexProvider struct {
	calls atomic.Int64
}

type regexPattern struct {
	Regex string `json:"regex"`
	Fail  bool   `json:"fail"`
	Panic bool   `json:"panic"`
	Block bool   `json:"block"`
}

func (p *regexProvider) Language(name string) (match.Language, error) {
	if name != "JavaScript" {
		return match.Language{}, fmt.Errorf("%w: %q", match.ErrUnsupportedLanguage, name)
	}
	return match.Language{Name: name, ID: "js"}, nil
}

func (p *regexProvider) Match(ctx context.Context, _ match.Language, pattern match.Pattern, source string) ([]match.Node, error) {
	p.calls.Add(1)
	var pat regexPattern
	if err := json.Unmarshal(pattern, &pat); err != nil {
		return nil, err
	}
	switch {
	case pat.Fail:
		return nil, errors.New("parse failure")
	case pat.Panic:
		panic("provider exploded")
	case pat.Block:
		<-ctx.Done()
		return nil, ctx.Err()
	}

	re, err := regexp.Compile(pat.Regex)
	if err != nil {
		return nil, err
	}
	var nodes []match.Node
	for _, loc := range re.FindAllStringIndex(source, -1) {
		nodes = append(nodes, match.Node{
			Kind: "match",
			Text: source[loc[0]:loc[1]],
			Range: match.Range{
				Start: position(source, loc[0]),
				End:   position(source, loc[1]),
			},
		})
	}
	return nodes, nil
}

func position(source string, offset int) match.Position {
	before := source[:offset]
	line := strings.Count(before, "\n")
	col := offset - (strings.LastIndex(before, "\n") + 1)
	return match.Position{Line: line, Column: col, Offset: offset}
}

// memWorkspace is an in-memory workspace. Folders are implied by file paths.
type memWorkspace struct {
	mu    sync.Mutex
	files map[string]string
	// unreadable files resolve with empty source.
	unreadable map[string]bool
	reads      atomic.Int64
	// readHook runs before every ReadFile when set.
	readHook func()
	// resolveDelay is slept at the start of every Resolve, outside the lock.
	resolveDelay time.Duration
	resolving    atomic.Int64
	maxResolving atomic.Int64
}

func newMemWorkspace(files map[string]string) *memWorkspace {
	return &memWorkspace{files: maps.Clone(files), unreadable: map[string]bool{}}
}

func (w *memWorkspace) set(path, content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.files[path] = content
}

func (w *memWorkspace) ReadFile(_ context.Context, rel string) (string, error) {
	w.reads.Add(1)
	if w.readHook != nil {
		w.readHook()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	src, ok := w.files[rel]
	if !ok {
		return "", fmt.Errorf("%w: %s", workspace.ErrNotFound, rel)
	}
	return src, nil
}

func (w *memWorkspace) Resolve(_ context.Context, rel string) []workspace.File {
	n := w.resolving.Add(1)
	defer w.resolving.Add(-1)
	for {
		peak := w.maxResolving.Load()
		if n <= peak || w.maxResolving.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(w.resolveDelay)

	w.mu.Lock()
	defer w.mu.Unlock()

	rel = strings.TrimSuffix(rel, "/")
	if src, ok := w.files[rel]; ok {
		return []workspace.File{w.file(rel, src)}
	}
	var names []string
	for name := range w.files {
		rest, ok := strings.CutPrefix(name, rel+"/")
		if ok && !strings.Contains(rest, "/") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return []workspace.File{{RelativePath: rel}}
	}
	sort.Strings(names)
	files := make([]workspace.File, len(names))
	for i, name := range names {
		files[i] = w.file(name, w.files[name])
	}
	return files
}

func (w *memWorkspace) file(rel, src string) workspace.File {
	if w.unreadable[rel] {
		return workspace.File{RelativePath: rel}
	}
	return workspace.File{RelativePath: rel, Source: src}
}

type published struct {
	method string
	key    string
	msg    string
}

type recordingPublisher struct {
	mu      sync.Mutex
	msgs    []published
	dropped []string
}

func (p *recordingPublisher) PublishAndQueue(key string, message []byte) {
	p.record("publish", key, message)
}

func (p *recordingPublisher) Queue(key string, message []byte) {
	p.record("queue", key, message)
}

func (p *recordingPublisher) Drop(keys ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, keys...)
}

func (p *recordingPublisher) Broadcast(message []byte) {
	p.record("broadcast", "", message)
}

func (p *recordingPublisher) record(method, key string, message []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{method: method, key: key, msg: string(message)})
}

func (p *recordingPublisher) all() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	errs []error
}

func (n *recordingNotifier) NotifyError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errs = append(n.errs, err)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.errs)
}
