package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// userModule manages system accounts.
type userModule struct{}

func (m *userModule) Name() string { return "user" }

func (m *userModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	name, err := stringArg(req.Args, "name")
	if err != nil {
		return nil, err
	}
	state := optionalArg(req.Args, "state", "present")

	res, err := run(ctx, req, fmt.Sprintf("id -u %s >/dev/null 2>&1; echo $?", shellQuote(name)))
	if err != nil {
		return nil, err
	}
	exists := strings.TrimSpace(res.Stdout) == "0"

	switch state {
	case "present":
		if exists {
			return &engine.ModuleResult{Message: "user already exists"}, nil
		}
		if req.Options.CheckMode {
			return checkChanged("would create user " + name), nil
		}
		cmd := "useradd -m"
		if shell := optionalArg(req.Args, "shell", ""); shell != "" {
			cmd += " -s " + shellQuote(shell)
		}
		if home := optionalArg(req.Args, "home", ""); home != "" {
			cmd += " -d " + shellQuote(home)
		}
		if err := runExpectOK(ctx, req, cmd+" "+shellQuote(name)); err != nil {
			return nil, err
		}
		return &engine.ModuleResult{Changed: true, Message: "created user " + name}, nil
	case "absent":
		if !exists {
			return &engine.ModuleResult{Message: "user already absent"}, nil
		}
		if req.Options.CheckMode {
			return checkChanged("would remove user " + name), nil
		}
		if err := runExpectOK(ctx, req, "userdel -r "+shellQuote(name)); err != nil {
			return nil, err
		}
		return &engine.ModuleResult{Changed: true, Message: "removed user " + name}, nil
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unknown user state %q", state), nil)
	}
}
