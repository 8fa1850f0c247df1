package modules

import (
	"context"
	"fmt"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// asyncStatusModule checks on a job started with poll: 0. While the job is
// running it reports finished: false without failing; once finished it
// carries the job's output and fails on a non-zero exit.
type asyncStatusModule struct{}

func (m *asyncStatusModule) Name() string { return "async_status" }

func (m *asyncStatusModule) Run(ctx context.Context, req Request) (*engine.ModuleResult, error) {
	jobID, err := stringArg(req.Args, "job_id")
	if err != nil {
		return nil, err
	}

	status, err := engine.CheckAsyncJob(ctx, req.Session, jobID)
	if err != nil {
		return nil, err
	}

	out := &engine.ModuleResult{
		Stdout:   status.Stdout,
		Stderr:   status.Stderr,
		ExitCode: status.ExitCode,
		Data: map[string]any{
			"job_id":   jobID,
			"finished": status.Finished,
		},
	}
	if !status.Finished {
		out.Message = "job still running"
		return out, nil
	}

	if !boolArg(req.Args, "keep_files") {
		engine.CleanupAsyncJob(ctx, req.Session, jobID)
	}
	if status.ExitCode != 0 {
		out.Failed = true
		out.Message = fmt.Sprintf("async job exited %d", status.ExitCode)
	} else {
		out.Message = "job finished"
	}
	return out, nil
}
