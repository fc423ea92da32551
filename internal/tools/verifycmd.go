package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// verifyAllowlist is the closed set of tools a per-task verify_command may
// invoke.
var verifyAllowlist = map[string]bool{
	"pytest": true,
	"python": true,
	"ruff":   true,
	"mypy":   true,
	"pip":    true,
}

// ParseVerifyCommand tokenizes a verify_command string (quoting-aware),
// strips wrapper prefixes, and enforces the tool allowlist. It returns the
// tool name and its arguments.
func ParseVerifyCommand(command string) (string, []string, error) {
	tokens, err := shellwords.Parse(command)
	if err != nil {
		return "", nil, fmt.Errorf("tokenizing verify command: %w", err)
	}
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("empty verify command")
	}

	// Strip `uv run` and `python -m` wrappers and any .venv/bin/ path prefix;
	// resolution happens through the shared toolchain resolver instead.
	if len(tokens) >= 2 && tokens[0] == "uv" && tokens[1] == "run" {
		tokens = tokens[2:]
	}
	if len(tokens) >= 2 && strippedTool(tokens[0]) == "python" && tokens[1] == "-m" {
		tokens = tokens[2:]
	}
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("verify command has no tool after prefix stripping")
	}

	tool := strippedTool(tokens[0])
	if !verifyAllowlist[tool] {
		return "", nil, fmt.Errorf("tool %q is not allowlisted for verify commands", tool)
	}
	return tool, tokens[1:], nil
}

func strippedTool(token string) string {
	if idx := strings.LastIndex(token, "/"); idx >= 0 {
		token = token[idx+1:]
	}
	return token
}

// RunVerifyCommand parses and executes a per-task verify_command through the
// toolchain. The command runs as a direct argv subprocess, never a shell.
// Outcomes are logged only; post-verify checks never block a task.
func RunVerifyCommand(ctx context.Context, tc *Toolchain, command, cwd string, timeout time.Duration) {
	tool, args, err := ParseVerifyCommand(command)
	if err != nil {
		slog.Warn("skipping verify command", "command", command, "error", err)
		return
	}

	result, err := tc.invoke(ctx, tool, args, cwd, timeout)
	if err != nil {
		slog.Warn("verify command failed to run", "tool", tool, "error", err)
		return
	}
	if result.Passed() {
		slog.Info("verify command passed", "tool", tool)
	} else {
		slog.Warn("verify command failed", "tool", tool, "exit_code", result.ExitCode,
			"stderr", firstLine(result.Stderr))
	}
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
