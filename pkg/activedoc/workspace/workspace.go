// Package workspace reads rule tables and source files relative to a project
// root. It is the only place the rule engine touches the file system.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"
)

// readConcurrency bounds the files of one folder read at the same time.
const readConcurrency = 8

// ErrNotFound is returned by ReadFile when the path does not exist.
var ErrNotFound = errors.New("file not found")

// File is the content of one concrete file in the workspace.
type File struct {
	// RelativePath uses forward slashes and is relative to the workspace root.
	RelativePath string
	// Source is empty when the file could not be read.
	Source string
}

// Provider gives the rule engine read access to the workspace.
type Provider interface {
	// ReadFile returns the content of a single file.
	ReadFile(ctx context.Context, relativePath string) (string, error)

	// Resolve expands a scope entry. A file yields itself; a folder yields
	// every file directly inside it. Failures never return an error: an
	// unreadable file is returned with empty Source, and an entry that cannot
	// be resolved at all yields a single File for the entry with empty Source.
	Resolve(ctx context.Context, relativePath string) []File
}

// IgnoredNames are file and directory names never expanded from a folder.
var IgnoredNames = map[string]bool{
	".git":         true,
	"node_modules": true,
	".DS_Store":    true,
	"__pycache__":  true,
	".idea":        true,
	".vscode":      true,
}

// Dir is a Provider rooted at a directory on the local file system.
type Dir struct {
	root      string
	gitignore *ignore.GitIgnore
	logger    *slog.Logger
}

// NewDir returns a Provider rooted at root. A .gitignore at the root, if
// present, filters files expanded from folders.
func NewDir(root string, logger *slog.Logger) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dir{root: abs, gitignore: loadGitignore(abs), logger: logger}, nil
}

func loadGitignore(root string) *ignore.GitIgnore {
	p := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(p); err != nil {
		return nil
	}
	gi, err := ignore.CompileIgnoreFile(p)
	if err != nil {
		return nil
	}
	return gi
}

// Root returns the absolute workspace root.
func (d *Dir) Root() string {
	return d.root
}

// Rel converts an absolute path inside the workspace to a forward-slash
// relative path. ok is false for paths outside the root.
func (d *Dir) Rel(absPath string) (rel string, ok bool) {
	r, err := filepath.Rel(d.root, absPath)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(r), true
}

// abs joins a relative path onto the root, refusing paths that escape it.
func (d *Dir) abs(relativePath string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(relativePath))
	p := filepath.Join(d.root, filepath.FromSlash(clean))
	if _, ok := d.Rel(p); !ok {
		return "", fmt.Errorf("path %q escapes the workspace", relativePath)
	}
	return p, nil
}

// ReadFile implements Provider.
func (d *Dir) ReadFile(ctx context.Context, relativePath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := d.abs(relativePath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, relativePath)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", relativePath, err)
	}
	return string(data), nil
}

// Resolve implements Provider.
func (d *Dir) Resolve(ctx context.Context, relativePath string) []File {
	unresolved := []File{{RelativePath: relativePath}}

	p, err := d.abs(relativePath)
	if err != nil {
		d.logger.Warn("scope entry rejected", "path", relativePath, "error", err)
		return unresolved
	}
	info, err := os.Stat(p)
	if err != nil {
		d.logger.Info("scope entry not readable", "path", relativePath, "error", err)
		return unresolved
	}

	// Files report the cleaned path so "./a.js" and "a.js" name the same result.
	rel, _ := d.Rel(p)
	switch {
	case info.Mode().IsRegular():
		return []File{d.readOne(ctx, rel, p)}
	case info.IsDir():
		return d.readDir(ctx, relativePath, p)
	default:
		d.logger.Info("scope entry is neither a file nor a directory", "path", relativePath)
		return unresolved
	}
}

func (d *Dir) readDir(ctx context.Context, relativePath, dirPath string) []File {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		d.logger.Info("folder not readable", "path", relativePath, "error", err)
		return []File{{RelativePath: relativePath}}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || IgnoredNames[e.Name()] {
			continue
		}
		abs := filepath.Join(dirPath, e.Name())
		rel, _ := d.Rel(abs)
		if d.gitignore != nil && d.gitignore.MatchesPath(rel) {
			continue
		}
		paths = append(paths, abs)
	}

	files := make([]File, len(paths))
	var g errgroup.Group
	g.SetLimit(readConcurrency)
	for i, abs := range paths {
		g.Go(func() error {
			rel, _ := d.Rel(abs)
			files[i] = d.readOne(ctx, rel, abs)
			return nil
		})
	}
	_ = g.Wait()
	return files
}

func (d *Dir) readOne(ctx context.Context, relativePath, absPath string) File {
	if err := ctx.Err(); err != nil {
		return File{RelativePath: relativePath}
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		d.logger.Info("file not readable", "path", relativePath, "error", err)
		return File{RelativePath: relativePath}
	}
	return File{RelativePath: relativePath, Source: string(data)}
}
