package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// commandModule runs an arbitrary command. The shell variant wraps the
// command in sh -c so pipes and redirection work.
type commandModule struct {
	shell bool
}

func (m *commandModule) Name() string {
	if m.shell {
		return "shell"
	}
	return "command"
}

func (m *commandModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	cmd, err := stringArg(req.Args, "cmd")
	if err != nil {
		return nil, err
	}
	if req.Options.CheckMode {
		return checkModeResult("would run: " + cmd), nil
	}

	if dir := optionalArg(req.Args, "chdir", ""); dir != "" {
		cmd = fmt.Sprintf("cd %s && %s", shellQuote(dir), cmd)
	}
	if m.shell {
		cmd = "sh -c " + shellQuote(cmd)
	}

	res, err := run(ctx, req, cmd)
	if err != nil {
		return nil, err
	}

	out := &engine.ModuleResult{
		Changed:  true,
		Stdout:   strings.TrimRight(res.Stdout, "\n"),
		Stderr:   strings.TrimRight(res.Stderr, "\n"),
		ExitCode: res.ExitCode,
	}
	if res.ExitCode != 0 {
		out.Failed = true
		out.Changed = false
		out.Message = fmt.Sprintf("command exited %d", res.ExitCode)
	}
	return out, nil
}
