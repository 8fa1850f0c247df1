package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// serviceModule manages systemd units, reporting changed only when the
// unit's state actually moved.
type serviceModule struct{}

func (m *serviceModule) Name() string { return "service" }

func (m *serviceModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	name, err := stringArg(req.Args, "name")
	if err != nil {
		return nil, err
	}
	state := optionalArg(req.Args, "state", "started")

	active, err := isActive(ctx, req, name)
	if err != nil {
		return nil, err
	}

	var action string
	needed := false
	switch state {
	case "started":
		action, needed = "start", !active
	case "stopped":
		action, needed = "stop", active
	case "restarted":
		action, needed = "restart", true
	case "reloaded":
		action, needed = "reload", true
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unknown service state %q", state), nil)
	}

	changed := false
	if needed {
		if req.Options.CheckMode {
			return checkChanged(fmt.Sprintf("would %s %s", action, name)), nil
		}
		if err := runExpectOK(ctx, req, fmt.Sprintf("systemctl %s %s", action, shellQuote(name))); err != nil {
			return nil, err
		}
		changed = true
	}

	if enabled, ok := req.Args["enabled"].(bool); ok {
		verb := "disable"
		if enabled {
			verb = "enable"
		}
		isEnabled, err := isEnabled(ctx, req, name)
		if err != nil {
			return nil, err
		}
		if isEnabled != enabled {
			if req.Options.CheckMode {
				return checkChanged(fmt.Sprintf("would %s %s", verb, name)), nil
			}
			if err := runExpectOK(ctx, req, fmt.Sprintf("systemctl %s %s", verb, shellQuote(name))); err != nil {
				return nil, err
			}
			changed = true
		}
	}

	return &engine.ModuleResult{
		Changed: changed,
		Data:    map[string]any{"name": name, "state": state},
	}, nil
}

func isActive(ctx context.Context, req Request, name string) (bool, error) {
	res, err := run(ctx, req, "systemctl is-active "+shellQuote(name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "active", nil
}

func isEnabled(ctx context.Context, req Request, name string) (bool, error) {
	res, err := run(ctx, req, "systemctl is-enabled "+shellQuote(name))
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "enabled", nil
}
