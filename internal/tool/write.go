package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const writeDescription = `Writes a file to the local filesystem, overwriting it if it exists.
Parent directories are created as needed.`

// WriteTool creates or overwrites files.
type WriteTool struct{}

// WriteInput represents the input for the write tool.
type WriteInput struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func NewWriteTool() *WriteTool { return &WriteTool{} }

func (t *WriteTool) Name() string        { return "Write" }
func (t *WriteTool) Description() string { return writeDescription }
func (t *WriteTool) Kind() Kind          { return KindEdit }

func (t *WriteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "The path of the file to write"},
			"content": {"type": "string", "description": "The content to write"}
		},
		"required": ["file_path", "content"]
	}`)
}

func (t *WriteTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	params, err := decode[WriteInput](input)
	if err != nil {
		return nil, err
	}
	if params.FilePath == "" {
		return nil, errors.New("file_path is required")
	}
	path := toolCtx.Resolve(params.FilePath)

	var before string
	existed := false
	if data, err := os.ReadFile(path); err == nil {
		before, existed = string(data), true
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(params.Content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	workDir := ""
	if toolCtx != nil {
		workDir = toolCtx.WorkDir
	}
	diff, additions, deletions := buildDiff(path, before, params.Content, workDir)

	verb := "Created"
	if existed {
		verb = "Updated"
	}
	return &Result{
		Title:  fmt.Sprintf("%s %s", verb, filepath.Base(path)),
		Output: fmt.Sprintf("%s %s (%d bytes)", verb, path, len(params.Content)),
		Metadata: map[string]any{
			"file":      path,
			"exists":    existed,
			"diff":      diff,
			"additions": additions,
			"deletions": deletions,
		},
	}, nil
}
