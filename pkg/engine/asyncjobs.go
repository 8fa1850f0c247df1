package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Async jobs run detached on the remote host under nohup, writing their
// output, exit code and pid to files under /tmp so a later status check
// (same run or an async_status task) can observe them.

const asyncFilePrefix = "/tmp/.nexus_async_"

// AsyncJob is the handle to a detached remote command.
type AsyncJob struct {
	// ID is the job identifier, unique per start.
	ID string `json:"job_id"`

	// Host is the host the job runs on.
	Host string `json:"host"`

	// Command is the detached command line.
	Command string `json:"command"`
}

// AsyncStatus is a point-in-time view of a job.
type AsyncStatus struct {
	// Finished reports whether the job has exited.
	Finished bool `json:"finished"`

	// ExitCode is the job's exit code, valid once finished.
	ExitCode int `json:"exit_code"`

	// Stdout is the captured output, populated once finished.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is the captured error output, populated once finished.
	Stderr string `json:"stderr,omitempty"`
}

func asyncPath(id, suffix string) string {
	return asyncFilePrefix + id + "." + suffix
}

// StartAsyncJob detaches command on the session's host and returns its
// handle without waiting.
func StartAsyncJob(ctx context.Context, sess Session, command string) (*AsyncJob, error) {
	id := uuid.New().String()
	out := asyncPath(id, "out")
	errf := asyncPath(id, "err")
	rc := asyncPath(id, "rc")
	pid := asyncPath(id, "pid")

	// The inner subshell captures the exit code after the command finishes;
	// the rc file's existence is the completion signal.
	launcher := fmt.Sprintf(
		"nohup sh -c '(%s) > %s 2> %s; echo $? > %s' > /dev/null 2>&1 & echo $! > %s",
		command, out, errf, rc, pid,
	)
	res, err := sess.Run(ctx, launcher)
	if err != nil {
		return nil, NewConnectionError("failed to start async job", err).WithHost(sess.Host().Name)
	}
	if res.ExitCode != 0 {
		return nil, NewModuleError(fmt.Sprintf("async launcher exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr)), nil).WithHost(sess.Host().Name)
	}
	return &AsyncJob{ID: id, Host: sess.Host().Name, Command: command}, nil
}

// CheckAsyncJob probes a job by id. A present rc file means finished; output
// files are read back once finished.
func CheckAsyncJob(ctx context.Context, sess Session, id string) (*AsyncStatus, error) {
	rc := asyncPath(id, "rc")
	probe := fmt.Sprintf("if [ -f %s ]; then cat %s; else echo RUNNING; fi", rc, rc)
	res, err := sess.Run(ctx, probe)
	if err != nil {
		return nil, NewConnectionError("failed to check async job", err).WithHost(sess.Host().Name)
	}

	line := strings.TrimSpace(res.Stdout)
	if line == "RUNNING" || line == "" {
		return &AsyncStatus{Finished: false}, nil
	}
	code, err := strconv.Atoi(line)
	if err != nil {
		return nil, NewModuleError(fmt.Sprintf("unreadable async exit code %q", line), err).WithHost(sess.Host().Name)
	}

	status := &AsyncStatus{Finished: true, ExitCode: code}
	if out, err := sess.Run(ctx, "cat "+asyncPath(id, "out")); err == nil {
		status.Stdout = out.Stdout
	}
	if errOut, err := sess.Run(ctx, "cat "+asyncPath(id, "err")); err == nil {
		status.Stderr = errOut.Stdout
	}
	return status, nil
}

// KillAsyncJob terminates a running job by its recorded pid.
func KillAsyncJob(ctx context.Context, sess Session, id string) error {
	pid := asyncPath(id, "pid")
	cmd := fmt.Sprintf("if [ -f %s ]; then kill $(cat %s) 2>/dev/null; fi", pid, pid)
	if _, err := sess.Run(ctx, cmd); err != nil {
		return NewConnectionError("failed to kill async job", err).WithHost(sess.Host().Name)
	}
	return nil
}

// CleanupAsyncJob removes a job's state files.
func CleanupAsyncJob(ctx context.Context, sess Session, id string) error {
	cmd := fmt.Sprintf("rm -f %s*", asyncFilePrefix+id)
	if _, err := sess.Run(ctx, cmd); err != nil {
		return NewConnectionError("failed to clean up async job", err).WithHost(sess.Host().Name)
	}
	return nil
}
