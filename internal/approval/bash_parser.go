package approval

import (
	"fmt"
	"path/filepath"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// BashCommand is one simple command found in a script.
type BashCommand struct {
	Name       string   // e.g. "rm", "git"
	Args       []string
	Subcommand string // first non-flag argument, e.g. "push" in "git push"
}

// BashScript is the parsed form of a Bash tool command.
type BashScript struct {
	Commands []BashCommand
	// Pipes holds the command names on each side of every "|".
	Pipes [][2]string
}

// ParseBashScript parses a shell command line with the Bash dialect.
func ParseBashScript(command string) (*BashScript, error) {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	script := &BashScript{}
	syntax.Walk(file, func(node syntax.Node) bool {
		switch n := node.(type) {
		case *syntax.CallExpr:
			if cmd := extractCommand(n); cmd != nil {
				script.Commands = append(script.Commands, *cmd)
			}
		case *syntax.BinaryCmd:
			if n.Op == syntax.Pipe || n.Op == syntax.PipeAll {
				script.Pipes = append(script.Pipes, [2]string{lastName(n.X), firstName(n.Y)})
			}
		}
		return true
	})
	return script, nil
}

func extractCommand(call *syntax.CallExpr) *BashCommand {
	if len(call.Args) == 0 {
		return nil
	}

	cmd := &BashCommand{Name: wordToString(call.Args[0])}
	if cmd.Name == "" {
		return nil
	}

	for _, arg := range call.Args[1:] {
		s := wordToString(arg)
		cmd.Args = append(cmd.Args, s)
		if cmd.Subcommand == "" && !strings.HasPrefix(s, "-") {
			cmd.Subcommand = s
		}
	}
	return cmd
}

// firstName returns the first command name of a pipeline stage.
func firstName(stmt *syntax.Stmt) string {
	if stmt == nil {
		return ""
	}
	switch c := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		if len(c.Args) > 0 {
			return commandBase(wordToString(c.Args[0]))
		}
	case *syntax.BinaryCmd:
		return firstName(c.X)
	}
	return ""
}

// lastName returns the last command name of a pipeline stage.
func lastName(stmt *syntax.Stmt) string {
	if stmt == nil {
		return ""
	}
	switch c := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		if len(c.Args) > 0 {
			return commandBase(wordToString(c.Args[0]))
		}
	case *syntax.BinaryCmd:
		return lastName(c.Y)
	}
	return ""
}

func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			if p.Param != nil {
				sb.WriteString("$" + p.Param.Value)
			}
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// commandBase strips any directory from a command name ("/bin/rm" -> "rm").
func commandBase(name string) string {
	return filepath.Base(name)
}

// IsWithinDir reports whether path is dir or lies under it.
func IsWithinDir(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
