package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// localSession runs commands in a local subprocess for hosts with
// connection: local. There is no connection to manage.
type localSession struct {
	host *engine.Host
}

func newLocalSession(host *engine.Host) *localSession {
	return &localSession{host: host}
}

func (s *localSession) Host() *engine.Host { return s.host }

func (s *localSession) Run(ctx context.Context, command string) (*engine.CommandResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &engine.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, engine.NewConnectionError("command cancelled", ctx.Err()).WithHost(s.host.Name)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, engine.NewConnectionError("failed to run command", err).WithHost(s.host.Name)
	}
	return result, nil
}

func (s *localSession) Upload(ctx context.Context, content []byte, path string, mode uint32) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return engine.NewModuleError(fmt.Sprintf("failed to create directory %s", dir), err).WithHost(s.host.Name)
		}
	}
	if err := os.WriteFile(path, content, os.FileMode(mode)); err != nil {
		return engine.NewModuleError(fmt.Sprintf("failed to write %s", path), err).WithHost(s.host.Name)
	}
	// WriteFile only applies the mode on create.
	if err := os.Chmod(path, os.FileMode(mode)); err != nil {
		return engine.NewModuleError(fmt.Sprintf("failed to chmod %s", path), err).WithHost(s.host.Name)
	}
	return nil
}

func (s *localSession) Close() error { return nil }
