package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// packageModule installs or removes OS packages, detecting the host's
// package manager on first use.
type packageModule struct{}

func (m *packageModule) Name() string { return "package" }

func (m *packageModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	name, err := stringArg(req.Args, "name")
	if err != nil {
		return nil, err
	}
	state := optionalArg(req.Args, "state", "present")
	if state != "present" && state != "absent" {
		return nil, engine.NewConfigError(fmt.Sprintf("unknown package state %q", state), nil)
	}

	mgr, err := detectManager(ctx, req)
	if err != nil {
		return nil, err
	}

	installed, err := mgr.installed(ctx, req, name)
	if err != nil {
		return nil, err
	}

	switch {
	case state == "present" && !installed:
		if req.Options.CheckMode {
			return checkChanged("would install " + name), nil
		}
		if err := runExpectOK(ctx, req, mgr.install(name)); err != nil {
			return nil, err
		}
		return &engine.ModuleResult{Changed: true, Message: "installed " + name}, nil
	case state == "absent" && installed:
		if req.Options.CheckMode {
			return checkChanged("would remove " + name), nil
		}
		if err := runExpectOK(ctx, req, mgr.remove(name)); err != nil {
			return nil, err
		}
		return &engine.ModuleResult{Changed: true, Message: "removed " + name}, nil
	default:
		return &engine.ModuleResult{Message: fmt.Sprintf("%s already %s", name, state)}, nil
	}
}

type pkgManager struct {
	probe      string
	installFmt string
	removeFmt  string
	queryFmt   string
}

var pkgManagers = []pkgManager{
	{
		probe:      "apt-get",
		installFmt: "DEBIAN_FRONTEND=noninteractive apt-get install -y %s",
		removeFmt:  "DEBIAN_FRONTEND=noninteractive apt-get remove -y %s",
		queryFmt:   "dpkg -s %s",
	},
	{
		probe:      "dnf",
		installFmt: "dnf install -y %s",
		removeFmt:  "dnf remove -y %s",
		queryFmt:   "rpm -q %s",
	},
	{
		probe:      "yum",
		installFmt: "yum install -y %s",
		removeFmt:  "yum remove -y %s",
		queryFmt:   "rpm -q %s",
	},
	{
		probe:      "apk",
		installFmt: "apk add %s",
		removeFmt:  "apk del %s",
		queryFmt:   "apk info -e %s",
	},
}

func (p pkgManager) install(name string) string {
	return fmt.Sprintf(p.installFmt, shellQuote(name))
}

func (p pkgManager) remove(name string) string {
	return fmt.Sprintf(p.removeFmt, shellQuote(name))
}

func (p pkgManager) installed(ctx context.Context, req Request, name string) (bool, error) {
	res, err := run(ctx, req, fmt.Sprintf(p.queryFmt, shellQuote(name))+" >/dev/null 2>&1; echo $?")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(res.Stdout) == "0", nil
}

func detectManager(ctx context.Context, req Request) (pkgManager, error) {
	for _, mgr := range pkgManagers {
		res, err := run(ctx, req, "command -v "+mgr.probe+" >/dev/null 2>&1; echo $?")
		if err != nil {
			return pkgManager{}, err
		}
		if strings.TrimSpace(res.Stdout) == "0" {
			return mgr, nil
		}
	}
	return pkgManager{}, engine.NewModuleError("no supported package manager found", nil)
}
