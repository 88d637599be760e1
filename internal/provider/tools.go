package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/rubenmavarezb/aidf-sub001/internal/config"
	"github.com/rubenmavarezb/aidf-sub001/internal/scope"
	"github.com/rubenmavarezb/aidf-sub001/internal/secrets"
)

// Tool names in the fixed API-provider schema.
const (
	ToolReadFile    = "read_file"
	ToolWriteFile   = "write_file"
	ToolListFiles   = "list_files"
	ToolRunCommand  = "run_command"
	ToolTaskComplete = "task_complete"
	ToolTaskBlocked  = "task_blocked"
)

const (
	defaultCommandTimeout = 30 * time.Second
	maxCommandTimeout     = 300 * time.Second
	maxListEntries        = 500
)

// ToolHandler executes tool calls for the API provider, bound to a working
// directory, scope guard, command policy, and secrets policy. It
// accumulates the file changes made through write_file.
type ToolHandler struct {
	cwd     string
	guard   *scope.Guard
	policy  *CommandPolicy
	scanner *secrets.Scanner

	changed []scope.FileChange
}

// NewToolHandler creates a handler. guard and scanner may be nil in tests.
func NewToolHandler(cwd string, guard *scope.Guard, scanner *secrets.Scanner) *ToolHandler {
	return &ToolHandler{
		cwd:     cwd,
		guard:   guard,
		policy:  NewCommandPolicy(),
		scanner: scanner,
	}
}

// Changed returns the file changes accumulated so far.
func (h *ToolHandler) Changed() []scope.FileChange {
	out := make([]scope.FileChange, len(h.changed))
	copy(out, h.changed)
	return out
}

// Tools returns the fixed tool schema advertised to the model. The two
// signal tools terminate the round in the provider loop and are never
// dispatched to the handler.
func (h *ToolHandler) Tools() []*schema.ToolInfo {
	return []*schema.ToolInfo{
		{
			Name: ToolReadFile,
			Desc: "Read a file relative to the project root. Returns its content.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"path": {Type: schema.String, Desc: "Path to the file to read", Required: true},
			}),
		},
		{
			Name: ToolWriteFile,
			Desc: "Write content to a file relative to the project root. Creates parent directories.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"path":    {Type: schema.String, Desc: "Path to the file to write", Required: true},
				"content": {Type: schema.String, Desc: "Full new content of the file", Required: true},
			}),
		},
		{
			Name: ToolListFiles,
			Desc: "List files under a directory relative to the project root.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"path": {Type: schema.String, Desc: "Directory to list (default: project root)"},
			}),
		},
		{
			Name: ToolRunCommand,
			Desc: "Execute a shell command in the project root. Returns stdout, stderr, and exit code.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"command": {Type: schema.String, Desc: "The shell command to execute", Required: true},
				"timeout": {Type: schema.Integer, Desc: "Timeout in seconds (default: 30, max: 300)"},
			}),
		},
		{
			Name: ToolTaskComplete,
			Desc: "Signal that the task is complete. Call only when the definition of done is met.",
		},
		{
			Name: ToolTaskBlocked,
			Desc: "Signal that the task cannot proceed. Provide the blocking reason.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"reason": {Type: schema.String, Desc: "Why the task is blocked", Required: true},
			}),
		},
	}
}

// Invoke dispatches one tool call. Errors are returned as strings for the
// model to react to; only programming errors surface as Go errors.
func (h *ToolHandler) Invoke(ctx context.Context, name, argsJSON string) (string, error) {
	switch name {
	case ToolReadFile:
		return h.readFile(argsJSON)
	case ToolWriteFile:
		return h.writeFile(argsJSON)
	case ToolListFiles:
		return h.listFiles(argsJSON)
	case ToolRunCommand:
		return h.runCommand(ctx, argsJSON)
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

func (h *ToolHandler) readFile(argsJSON string) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
		return "", fmt.Errorf("read_file: parse input: %w", err)
	}
	if input.Path == "" {
		return "", fmt.Errorf("read_file: path is required")
	}
	full, err := h.resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return toolError(fmt.Sprintf("read %s: %v", input.Path, err)), nil
	}
	return string(data), nil
}

func (h *ToolHandler) writeFile(argsJSON string) (string, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
		return "", fmt.Errorf("write_file: parse input: %w", err)
	}
	if input.Path == "" {
		return "", fmt.Errorf("write_file: path is required")
	}

	kind := scope.KindModified
	full, err := h.resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}
	if _, statErr := os.Stat(full); os.IsNotExist(statErr) {
		kind = scope.KindCreated
	}

	if h.guard != nil {
		decision := h.guard.Check([]scope.FileChange{{Path: input.Path, Kind: kind}})
		switch decision.Verdict {
		case scope.VerdictBlock:
			return toolError(fmt.Sprintf("path %s is outside the task scope: %s", input.Path, decision.Reason)), nil
		case scope.VerdictAskUser:
			return toolError(fmt.Sprintf("path %s requires user approval before writing; it was not granted", input.Path)), nil
		}
	}

	content := input.Content
	if h.scanner != nil {
		findings := h.scanner.ScanFile(input.Path, content)
		if len(findings) > 0 {
			switch h.scanner.Mode {
			case config.SecretsBlock:
				return toolError(fmt.Sprintf("write refused: content contains secrets (%s)", secrets.Describe(findings))), nil
			case config.SecretsRedact:
				content = h.scanner.Redact(content)
			default:
				slog.Warn("write_file content contains possible secrets",
					"path", input.Path, "findings", secrets.Describe(findings))
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("write_file: create dirs: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	h.changed = append(h.changed, scope.FileChange{Path: input.Path, Kind: kind})

	out, _ := json.Marshal(map[string]any{"path": input.Path, "bytes_written": len(content)})
	return string(out), nil
}

func (h *ToolHandler) listFiles(argsJSON string) (string, error) {
	var input struct {
		Path string `json:"path"`
	}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
			return "", fmt.Errorf("list_files: parse input: %w", err)
		}
	}
	if input.Path == "" {
		input.Path = "."
	}
	full, err := h.resolve(input.Path)
	if err != nil {
		return toolError(err.Error()), nil
	}

	var paths []string
	walkErr := filepath.WalkDir(full, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, relErr := filepath.Rel(h.cwd, p)
		if relErr != nil {
			return nil
		}
		paths = append(paths, filepath.ToSlash(rel))
		if len(paths) >= maxListEntries {
			return filepath.SkipAll
		}
		return nil
	})
	if walkErr != nil {
		return toolError(fmt.Sprintf("list %s: %v", input.Path, walkErr)), nil
	}
	sort.Strings(paths)
	return strings.Join(paths, "\n"), nil
}

func (h *ToolHandler) runCommand(ctx context.Context, argsJSON string) (string, error) {
	var input struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &input); err != nil {
		return "", fmt.Errorf("run_command: parse input: %w", err)
	}
	if input.Command == "" {
		return "", fmt.Errorf("run_command: command is required")
	}

	if err := h.policy.Vet(input.Command); err != nil {
		return toolError(err.Error()), nil
	}

	timeout := defaultCommandTimeout
	if input.Timeout > 0 {
		timeout = time.Duration(input.Timeout) * time.Second
		if timeout > maxCommandTimeout {
			timeout = maxCommandTimeout
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", input.Command)
	cmd.Dir = h.cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	exitCode := 0
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return toolError(fmt.Sprintf("command timed out after %s", timeout)), nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return "", fmt.Errorf("run_command: exec: %w", err)
		}
	}

	outText := stdout.String()
	errText := stderr.String()
	if h.scanner != nil {
		combined := outText + errText
		if findings := h.scanner.Scan(combined); len(findings) > 0 {
			switch h.scanner.Mode {
			case config.SecretsBlock:
				return toolError(fmt.Sprintf("command output withheld: it contains secrets (%s)", secrets.Describe(findings))), nil
			case config.SecretsRedact:
				outText = h.scanner.Redact(outText)
				errText = h.scanner.Redact(errText)
			default:
				slog.Warn("run_command output contains possible secrets", "findings", secrets.Describe(findings))
			}
		}
	}

	result, _ := json.Marshal(map[string]any{
		"stdout":    outText,
		"stderr":    errText,
		"exit_code": exitCode,
	})
	return string(result), nil
}

// resolve joins a tool path with the working directory and rejects
// escapes above it.
func (h *ToolHandler) resolve(path string) (string, error) {
	full := filepath.Clean(filepath.Join(h.cwd, path))
	root := filepath.Clean(h.cwd)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the project root", path)
	}
	return full, nil
}

// toolError renders a failure as a JSON payload the model can read.
func toolError(msg string) string {
	out, _ := json.Marshal(map[string]string{"error": msg})
	return string(out)
}

// handlerTool adapts one ToolHandler operation to Eino's InvokableTool,
// so the same implementations can be registered with an agent runtime.
type handlerTool struct {
	handler *ToolHandler
	info    *schema.ToolInfo
}

// Info returns the tool schema.
func (t *handlerTool) Info(_ context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

// InvokableRun dispatches to the handler.
func (t *handlerTool) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	return t.handler.Invoke(ctx, t.info.Name, argumentsInJSON)
}

// InvokableTools exposes the four executable tools as Eino tools.
func (h *ToolHandler) InvokableTools() []tool.InvokableTool {
	var out []tool.InvokableTool
	for _, info := range h.Tools() {
		if info.Name == ToolTaskComplete || info.Name == ToolTaskBlocked {
			continue
		}
		out = append(out, &handlerTool{handler: h, info: info})
	}
	return out
}

var _ tool.InvokableTool = (*handlerTool)(nil)
