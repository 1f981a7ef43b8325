package cliadapter

import (
	"strings"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// PermissionMode mirrors the agent binary's permission modes. Only
// bypassPermissions changes the built argument list.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// LaunchOptions configures one CLI Adapter launch.
type LaunchOptions struct {
	Model               domain.Model
	PermissionMode      PermissionMode
	ResumeSessionID      string
	AllowedTools        []string
	AppendSystemPrompt  string
}

// defaultModel is the model the agent binary assumes when --model is
// omitted.
const defaultModel = domain.ModelSonnet

// buildArgs constructs the subprocess argument list in the exact order the
// agent binary expects. The final element is always the (quote-escaped)
// user prompt.
func buildArgs(prompt string, opts LaunchOptions) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}

	if opts.PermissionMode == PermissionModeBypassPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.Model != "" && opts.Model != defaultModel {
		args = append(args, "--model", string(opts.Model))
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools")
		args = append(args, opts.AllowedTools...)
	}
	if opts.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.AppendSystemPrompt)
	}

	args = append(args, escapePrompt(prompt))
	return args
}

// escapePrompt doubles embedded quote characters, matching the agent
// binary's own escaping convention for its final positional argument.
func escapePrompt(prompt string) string {
	return strings.ReplaceAll(prompt, `"`, `""`)
}
