package approval

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/KoheiYamashita/agent-sdk-chat-sub001/pkg/types"
)

// dangerousCommands need a human before they run, whatever their arguments.
var dangerousCommands = map[string]bool{
	"rm":       true,
	"rmdir":    true,
	"sudo":     true,
	"su":       true,
	"doas":     true,
	"dd":       true,
	"chmod":    true,
	"chown":    true,
	"kill":     true,
	"killall":  true,
	"pkill":    true,
	"shutdown": true,
	"reboot":   true,
	"eval":     true,
	"truncate": true,
	"shred":    true,
}

// Downloaders piped into an interpreter run remote code.
var (
	downloaders  = map[string]bool{"curl": true, "wget": true}
	interpreters = map[string]bool{"sh": true, "bash": true, "zsh": true, "python": true, "python3": true, "perl": true}
)

// writeTools maps file-writing tools to the input field holding their target.
var writeTools = map[string]string{
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
}

// Verdict is the result of classifying a tool call.
type Verdict struct {
	Dangerous bool
	Reason    string
}

// Classifier flags tool invocations that deserve extra attention in the
// approval prompt.
type Classifier struct {
	mu    sync.RWMutex
	tools []string
	paths []string
}

// NewClassifier creates a classifier from the approval configuration.
func NewClassifier(cfg types.ApprovalConfig) *Classifier {
	c := &Classifier{}
	c.Update(cfg)
	return c
}

// Update replaces the configured tool and path patterns.
func (c *Classifier) Update(cfg types.ApprovalConfig) {
	c.mu.Lock()
	c.tools = append([]string(nil), cfg.DangerousTools...)
	c.paths = append([]string(nil), cfg.DangerousPaths...)
	c.mu.Unlock()
}

// Classify inspects a tool call made from workDir.
func (c *Classifier) Classify(toolName string, input json.RawMessage, workDir string) Verdict {
	c.mu.RLock()
	tools, paths := c.tools, c.paths
	c.mu.RUnlock()

	for _, pattern := range tools {
		if ok, _ := doublestar.Match(pattern, toolName); ok {
			return Verdict{Dangerous: true, Reason: "tool " + toolName + " is marked dangerous"}
		}
	}

	var fields map[string]any
	_ = json.Unmarshal(input, &fields)

	if toolName == "Bash" {
		command, _ := fields["command"].(string)
		return classifyCommand(command)
	}

	if field, ok := writeTools[toolName]; ok {
		target, _ := fields[field].(string)
		return classifyPath(target, workDir, paths)
	}
	return Verdict{}
}

func classifyCommand(command string) Verdict {
	if strings.TrimSpace(command) == "" {
		return Verdict{}
	}

	script, err := ParseBashScript(command)
	if err != nil {
		return Verdict{Dangerous: true, Reason: "command could not be parsed"}
	}

	for _, pipe := range script.Pipes {
		if downloaders[pipe[0]] && interpreters[pipe[1]] {
			return Verdict{Dangerous: true, Reason: pipe[0] + " output piped into " + pipe[1]}
		}
	}

	for _, cmd := range script.Commands {
		name := commandBase(cmd.Name)
		if dangerousCommands[name] || strings.HasPrefix(name, "mkfs") {
			return Verdict{Dangerous: true, Reason: name + " is a destructive command"}
		}
		if name == "git" && isDestructiveGit(cmd) {
			return Verdict{Dangerous: true, Reason: "git " + cmd.Subcommand + " rewrites or discards history"}
		}
	}
	return Verdict{}
}

func isDestructiveGit(cmd BashCommand) bool {
	has := func(flags ...string) bool {
		for _, arg := range cmd.Args {
			for _, f := range flags {
				if arg == f {
					return true
				}
			}
		}
		return false
	}

	switch cmd.Subcommand {
	case "push":
		if has("--force", "-f", "--force-with-lease", "--delete", "-d") {
			return true
		}
		for _, arg := range cmd.Args {
			if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "--force-with-lease=") {
				return true
			}
		}
	case "reset":
		return has("--hard")
	case "clean":
		return has("-f", "-fd", "-fdx", "-xdf", "--force")
	case "branch":
		return has("-D")
	}
	return false
}

func classifyPath(target, workDir string, patterns []string) Verdict {
	if target == "" {
		return Verdict{}
	}

	abs := target
	if !filepath.IsAbs(abs) && workDir != "" {
		abs = filepath.Join(workDir, abs)
	}
	abs = filepath.Clean(abs)
	slashed := filepath.ToSlash(abs)
	candidates := []string{slashed, strings.TrimPrefix(slashed, "/")}
	if workDir != "" {
		if rel, err := filepath.Rel(workDir, abs); err == nil && !strings.HasPrefix(rel, "..") {
			candidates = append(candidates, filepath.ToSlash(rel))
		}
	}

	for _, pattern := range patterns {
		for _, candidate := range candidates {
			if ok, _ := doublestar.Match(pattern, candidate); ok {
				return Verdict{Dangerous: true, Reason: target + " matches " + pattern}
			}
		}
	}

	if workDir != "" && filepath.IsAbs(abs) && !IsWithinDir(abs, workDir) {
		return Verdict{Dangerous: true, Reason: target + " is outside the working directory"}
	}
	return Verdict{}
}
