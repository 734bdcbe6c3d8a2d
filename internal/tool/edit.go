package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agnivade/levenshtein"
)

// minSimilarity is the lowest fuzzy-match score accepted as the target text.
const minSimilarity = 0.7

const editDescription = `Performs exact string replacements in files.

Usage:
- old_string must exist in the file; near matches are accepted when they are close enough
- new_string replaces old_string
- Use replace_all to replace every occurrence
- The edit fails if old_string is not unique unless replace_all is set`

// EditTool replaces text in existing files.
type EditTool struct{}

// EditInput represents the input for the edit tool.
type EditInput struct {
	FilePath   string `json:"file_path"`
	OldString  string `json:"old_string"`
	NewString  string `json:"new_string"`
	ReplaceAll bool   `json:"replace_all,omitempty"`
}

func NewEditTool() *EditTool { return &EditTool{} }

func (t *EditTool) Name() string        { return "Edit" }
func (t *EditTool) Description() string { return editDescription }
func (t *EditTool) Kind() Kind          { return KindEdit }

func (t *EditTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "The path of the file to edit"},
			"old_string": {"type": "string", "description": "The text to replace"},
			"new_string": {"type": "string", "description": "The text to replace it with"},
			"replace_all": {"type": "boolean", "description": "Replace all occurrences (default: false)"}
		},
		"required": ["file_path", "old_string", "new_string"]
	}`)
}

func (t *EditTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	params, err := decode[EditInput](input)
	if err != nil {
		return nil, err
	}
	if params.OldString == params.NewString {
		return nil, errors.New("old_string and new_string must be different")
	}
	path := toolCtx.Resolve(params.FilePath)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	newText, count, how, err := replace(text, params)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(newText), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}

	workDir := ""
	if toolCtx != nil {
		workDir = toolCtx.WorkDir
	}
	diff, additions, deletions := buildDiff(path, text, newText, workDir)

	title := fmt.Sprintf("Edited %s", filepath.Base(path))
	if how != "" {
		title += " (" + how + ")"
	}
	return &Result{
		Title:  title,
		Output: fmt.Sprintf("Replaced %d occurrence(s)", count),
		Metadata: map[string]any{
			"file":         path,
			"replacements": count,
			"diff":         diff,
			"additions":    additions,
			"deletions":    deletions,
		},
	}, nil
}

// replace applies the edit, falling back to line-ending normalization and
// then to the most similar block of lines.
func replace(text string, params EditInput) (string, int, string, error) {
	switch count := strings.Count(text, params.OldString); {
	case count > 1 && !params.ReplaceAll:
		return "", 0, "", fmt.Errorf("old_string appears %d times in file. Use replace_all or provide more context", count)
	case count > 0:
		if params.ReplaceAll {
			return strings.ReplaceAll(text, params.OldString, params.NewString), count, "", nil
		}
		return strings.Replace(text, params.OldString, params.NewString, 1), 1, "", nil
	}

	normalizedText := strings.ReplaceAll(text, "\r\n", "\n")
	normalizedOld := strings.ReplaceAll(params.OldString, "\r\n", "\n")
	if strings.Contains(normalizedText, normalizedOld) {
		return strings.Replace(normalizedText, normalizedOld, params.NewString, 1), 1, "normalized", nil
	}

	match, score := findBestMatch(text, params.OldString)
	if match != "" && score >= minSimilarity {
		return strings.Replace(text, match, params.NewString, 1), 1, fmt.Sprintf("fuzzy %.0f%%", score*100), nil
	}
	return "", 0, "", errors.New("old_string not found in file. The content may have changed or the string doesn't exist")
}

// findBestMatch finds the block of lines most similar to target.
func findBestMatch(text, target string) (string, float64) {
	lines := strings.Split(text, "\n")
	n := len(strings.Split(target, "\n"))

	best, bestScore := "", 0.0
	for i := 0; i+n <= len(lines); i++ {
		block := strings.Join(lines[i:i+n], "\n")
		if s := similarity(block, target); s > bestScore {
			best, bestScore = block, s
		}
	}
	return best, bestScore
}

func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	maxLen := max(len(a), len(b))
	if maxLen > 10000 {
		return float64(min(len(a), len(b))) / float64(maxLen)
	}
	return 1.0 - float64(levenshtein.ComputeDistance(a, b))/float64(maxLen)
}
