package tool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultReadLimit = 2000
	maxLineLength    = 2000
)

const readDescription = `Reads a file from the local filesystem.

Usage:
- file_path may be absolute or relative to the working directory
- By default, reads up to 2000 lines from the beginning
- offset and limit select a window of lines
- Returns file contents with line numbers`

// ReadTool reads text files.
type ReadTool struct{}

// ReadInput represents the input for the read tool.
type ReadInput struct {
	FilePath string `json:"file_path"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

func NewReadTool() *ReadTool { return &ReadTool{} }

func (t *ReadTool) Name() string        { return "Read" }
func (t *ReadTool) Description() string { return readDescription }
func (t *ReadTool) Kind() Kind          { return KindRead }

func (t *ReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "The path of the file to read"},
			"offset": {"type": "integer", "description": "Line number to start reading from (1-based)"},
			"limit": {"type": "integer", "description": "Number of lines to read (default: 2000)"}
		},
		"required": ["file_path"]
	}`)
}

func (t *ReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	params, err := decode[ReadInput](input)
	if err != nil {
		return nil, err
	}
	if params.FilePath == "" {
		return nil, errors.New("file_path is required")
	}
	if params.Limit <= 0 {
		params.Limit = defaultReadLimit
	}
	path := toolCtx.Resolve(params.FilePath)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("file not found: %s", params.FilePath)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory, not a file: %s", params.FilePath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data[:min(len(data), 8000)], 0) >= 0 {
		return nil, errors.New("file appears to be binary")
	}

	var out strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum, shown, more := 0, 0, false
	for scanner.Scan() {
		lineNum++
		if lineNum < params.Offset {
			continue
		}
		if shown == params.Limit {
			more = true
			break
		}
		line := scanner.Text()
		if len(line) > maxLineLength {
			line = line[:maxLineLength] + "..."
		}
		fmt.Fprintf(&out, "%6d\t%s\n", lineNum, line)
		shown++
	}
	if more {
		fmt.Fprintf(&out, "\n(File has more lines. Use offset %d to continue.)", lineNum)
	}

	return &Result{
		Title:  filepath.Base(path),
		Output: out.String(),
		Metadata: map[string]any{
			"lines":     shown,
			"truncated": more,
		},
	}, nil
}
