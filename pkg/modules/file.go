package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// fileModule manages remote paths: directories, empty files, absence,
// permissions and ownership.
type fileModule struct{}

func (m *fileModule) Name() string { return "file" }

func (m *fileModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	path, err := stringArg(req.Args, "path")
	if err != nil {
		return nil, err
	}
	state := optionalArg(req.Args, "state", "touch")

	exists, isDir, err := stat(ctx, req, path)
	if err != nil {
		return nil, err
	}

	changed := false
	switch state {
	case "directory":
		if !isDir {
			if req.Options.CheckMode {
				return checkChanged("would create directory " + path), nil
			}
			if err := runExpectOK(ctx, req, "mkdir -p "+shellQuote(path)); err != nil {
				return nil, err
			}
			changed = true
		}
	case "touch":
		if !exists {
			if req.Options.CheckMode {
				return checkChanged("would create " + path), nil
			}
			if err := runExpectOK(ctx, req, "touch "+shellQuote(path)); err != nil {
				return nil, err
			}
			changed = true
		}
	case "absent":
		if exists {
			if req.Options.CheckMode {
				return checkChanged("would remove " + path), nil
			}
			if err := runExpectOK(ctx, req, "rm -rf "+shellQuote(path)); err != nil {
				return nil, err
			}
			changed = true
		}
		return &engine.ModuleResult{Changed: changed, Data: map[string]any{"path": path}}, nil
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unknown file state %q", state), nil)
	}

	if mode := optionalArg(req.Args, "mode", ""); mode != "" {
		if req.Options.CheckMode {
			return checkChanged("would set mode on " + path), nil
		}
		if err := runExpectOK(ctx, req, fmt.Sprintf("chmod %s %s", mode, shellQuote(path))); err != nil {
			return nil, err
		}
	}
	if owner := optionalArg(req.Args, "owner", ""); owner != "" {
		if req.Options.CheckMode {
			return checkChanged("would set owner on " + path), nil
		}
		if err := runExpectOK(ctx, req, fmt.Sprintf("chown %s %s", shellQuote(owner), shellQuote(path))); err != nil {
			return nil, err
		}
	}

	return &engine.ModuleResult{Changed: changed, Data: map[string]any{"path": path}}, nil
}

func stat(ctx context.Context, req Request, path string) (exists, isDir bool, err error) {
	q := shellQuote(path)
	res, err := run(ctx, req, fmt.Sprintf("if [ -d %s ]; then echo dir; elif [ -e %s ]; then echo file; else echo none; fi", q, q))
	if err != nil {
		return false, false, err
	}
	switch strings.TrimSpace(res.Stdout) {
	case "dir":
		return true, true, nil
	case "file":
		return true, false, nil
	default:
		return false, false, nil
	}
}

func runExpectOK(ctx context.Context, req Request, command string) error {
	res, err := run(ctx, req, command)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return engine.NewModuleError(
			fmt.Sprintf("%q exited %d: %s", command, res.ExitCode, strings.TrimSpace(res.Stderr)), nil)
	}
	return nil
}

func checkChanged(message string) *engine.ModuleResult {
	return &engine.ModuleResult{Changed: true, Message: "check mode: " + message}
}
