package provider

import (
	"fmt"
	"strings"

	"mvdan.cc/sh/v3/syntax"

	"github.com/rubenmavarezb/aidf-sub001/internal/aidferr"
)

// deniedCommands are command names the run_command tool never executes.
var deniedCommands = map[string]string{
	"sudo": "privilege escalation",
	"su":   "switch user",
	"eval": "dynamic evaluation",
}

// CommandPolicy vets shell commands handed to the run_command tool. It
// parses the command with a real shell grammar so chained and nested forms
// (`a && sudo b`, `$(...)`, backticks, subshells) cannot slip past a
// substring check.
type CommandPolicy struct {
	parser *syntax.Parser
}

// NewCommandPolicy creates a CommandPolicy.
func NewCommandPolicy() *CommandPolicy {
	return &CommandPolicy{parser: syntax.NewParser()}
}

// Vet returns a permission.COMMAND_BLOCKED error when the command contains
// a denied construct. Unparseable commands are blocked outright.
func (p *CommandPolicy) Vet(command string) error {
	file, err := p.parser.Parse(strings.NewReader(command), "")
	if err != nil {
		return aidferr.New(aidferr.CategoryPermission, aidferr.CodePermissionCommandBlocked,
			fmt.Sprintf("command does not parse as shell: %v", err)).
			WithContext("command", command).WithCause(err)
	}

	var blocked string
	syntax.Walk(file, func(node syntax.Node) bool {
		if blocked != "" {
			return false
		}
		switch n := node.(type) {
		case *syntax.CallExpr:
			if name := callName(n); name != "" {
				if reason, ok := deniedCommands[name]; ok {
					blocked = fmt.Sprintf("%s (%s)", name, reason)
					return false
				}
			}
		case *syntax.CmdSubst:
			// Covers both $(...) and backtick substitution.
			blocked = "command substitution"
			return false
		case *syntax.Subshell:
			blocked = "subshell"
			return false
		}
		return true
	})

	if blocked != "" {
		return aidferr.New(aidferr.CategoryPermission, aidferr.CodePermissionCommandBlocked,
			fmt.Sprintf("blocked construct: %s", blocked)).
			WithContext("command", command)
	}
	return nil
}

// callName returns the literal first word of a call, or "" when it is not
// a plain literal.
func callName(call *syntax.CallExpr) string {
	if len(call.Args) == 0 {
		return ""
	}
	return call.Args[0].Lit()
}
