package modules

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// debugModule prints a message or a variable's value without touching the
// host. It never reports changed.
type debugModule struct{}

func (m *debugModule) Name() string { return "debug" }

func (m *debugModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	msg := optionalArg(req.Args, "msg", "")
	if msg == "" {
		if v, ok := req.Args["var"]; ok {
			msg = fmt.Sprint(v)
		}
	}
	log.Info().Str("host", req.Session.Host().Name).Msg(msg)
	return &engine.ModuleResult{Message: msg}, nil
}
