package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const maxGlobResults = 100

const globDescription = `Finds files by glob pattern ("**/*.go", "src/**/*.ts").
Returns matching paths sorted by modification time, newest first.`

// GlobTool finds files by pattern.
type GlobTool struct{}

// GlobInput represents the input for the glob tool.
type GlobInput struct {
	Pattern string `json:"pattern"`
	Path    string `json:"path,omitempty"`
}

func NewGlobTool() *GlobTool { return &GlobTool{} }

func (t *GlobTool) Name() string        { return "Glob" }
func (t *GlobTool) Description() string { return globDescription }
func (t *GlobTool) Kind() Kind          { return KindRead }

func (t *GlobTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "The glob pattern to match files against"},
			"path": {"type": "string", "description": "Directory to search in (default: working directory)"}
		},
		"required": ["pattern"]
	}`)
}

func (t *GlobTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	params, err := decode[GlobInput](input)
	if err != nil {
		return nil, err
	}
	if params.Pattern == "" {
		return nil, errors.New("pattern is required")
	}
	if !doublestar.ValidatePattern(params.Pattern) {
		return nil, fmt.Errorf("invalid pattern %q", params.Pattern)
	}

	dir := "."
	if params.Path != "" {
		dir = params.Path
	}
	dir = toolCtx.Resolve(dir)

	type match struct {
		path  string
		mtime int64
	}
	var matches []match
	err = doublestar.GlobWalk(os.DirFS(dir), params.Pattern, func(path string, d fs.DirEntry) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(path, ".git/") {
			return nil
		}
		var mtime int64
		if info, err := d.Info(); err == nil {
			mtime = info.ModTime().UnixNano()
		}
		matches = append(matches, match{path: filepath.Join(dir, filepath.FromSlash(path)), mtime: mtime})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].mtime > matches[j].mtime })

	truncated := len(matches) > maxGlobResults
	if truncated {
		matches = matches[:maxGlobResults]
	}
	paths := make([]string, len(matches))
	for i, m := range matches {
		paths[i] = m.path
	}

	output := strings.Join(paths, "\n")
	if len(paths) == 0 {
		output = "No files matched the pattern"
	} else if truncated {
		output += fmt.Sprintf("\n\n(Showing first %d matches)", maxGlobResults)
	}
	return &Result{
		Title:  fmt.Sprintf("Found %d files", len(paths)),
		Output: output,
		Metadata: map[string]any{
			"pattern":   params.Pattern,
			"count":     len(paths),
			"truncated": truncated,
		},
	}, nil
}
