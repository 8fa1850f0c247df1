package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", engine.NewConfigError(fmt.Sprintf("missing required argument %q", key), nil)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", engine.NewConfigError(fmt.Sprintf("argument %q must be a non-empty string", key), nil)
	}
	return s, nil
}

// optionalArg extracts an optional string argument, with a default.
func optionalArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// boolArg extracts an optional bool argument.
func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// shellQuote single-quotes s for safe embedding in a shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// escalate wraps a command in sudo when the invocation asks for it.
func escalate(command string, opts engine.InvokeOptions) string {
	if !opts.Sudo {
		return command
	}
	user := opts.SudoUser
	if user == "" {
		user = "root"
	}
	return fmt.Sprintf("sudo -n -u %s sh -c %s", user, shellQuote(command))
}

// run executes a command over the session with escalation applied.
func run(ctx context.Context, req Request, command string) (*engine.CommandResult, error) {
	return req.Session.Run(ctx, escalate(command, req.Options))
}

// checkModeResult is the simulated outcome modules report under --check.
func checkModeResult(message string) *engine.ModuleResult {
	return &engine.ModuleResult{
		Changed: false,
		Skipped: true,
		Message: "check mode: " + message,
	}
}
