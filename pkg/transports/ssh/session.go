package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// sshSession is one live SSH connection to a host. Commands each run in
// their own ssh session on the shared connection.
type sshSession struct {
	host   *engine.Host
	client *ssh.Client

	closeOnce sync.Once
	done      chan struct{}
}

func (s *sshSession) Host() *engine.Host { return s.host }

// Run executes a command and captures its output. A non-zero exit is a
// normal result, not an error; errors mean the transport itself failed.
func (s *sshSession) Run(ctx context.Context, command string) (*engine.CommandResult, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, engine.NewConnectionError("failed to open session", err).WithHost(s.host.Name)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- sess.Run(command)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = sess.Signal(ssh.SIGKILL)
		return nil, engine.NewConnectionError("command cancelled", ctx.Err()).WithHost(s.host.Name)
	case runErr = <-doneCh:
	}

	result := &engine.CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, engine.NewConnectionError("command transport failed", runErr).WithHost(s.host.Name)
	}
	return result, nil
}

// Upload writes content to a remote path over SFTP, creating parent
// directories as needed.
func (s *sshSession) Upload(ctx context.Context, content []byte, remotePath string, mode uint32) error {
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return engine.NewConnectionError("failed to create sftp client", err).WithHost(s.host.Name)
	}
	defer client.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := client.MkdirAll(dir); err != nil {
			return engine.NewModuleError(fmt.Sprintf("failed to create directory %s", dir), err).WithHost(s.host.Name)
		}
	}

	f, err := client.Create(remotePath)
	if err != nil {
		return engine.NewModuleError(fmt.Sprintf("failed to create %s", remotePath), err).WithHost(s.host.Name)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return engine.NewModuleError(fmt.Sprintf("failed to write %s", remotePath), err).WithHost(s.host.Name)
	}
	if err := f.Close(); err != nil {
		return engine.NewModuleError(fmt.Sprintf("failed to close %s", remotePath), err).WithHost(s.host.Name)
	}

	if err := client.Chmod(remotePath, os.FileMode(mode)); err != nil {
		return engine.NewModuleError(fmt.Sprintf("failed to chmod %s", remotePath), err).WithHost(s.host.Name)
	}
	return nil
}

// Close shuts down the connection. Safe to call more than once.
func (s *sshSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.client.Close()
	})
	return err
}

func (s *sshSession) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Warn().Err(err).Str("host", s.host.Name).Msg("keep-alive failed")
				return
			}
		}
	}
}
