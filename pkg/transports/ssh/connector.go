package ssh

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/nexus-automation/nexus/pkg/engine"
)

// Connector opens sessions to inventory hosts. Hosts with connection: local
// run in a subprocess; everything else goes over SSH.
type Connector struct {
	opts Options
}

// NewConnector validates the options and returns a connector.
func NewConnector(opts Options) (*Connector, error) {
	if err := opts.Validate(); err != nil {
		return nil, engine.NewConfigError("invalid transport options", err)
	}
	return &Connector{opts: opts}, nil
}

// Connect opens a session to host. The caller owns the session and must
// close it.
func (c *Connector) Connect(ctx context.Context, host *engine.Host) (engine.Session, error) {
	if host.Connection == "local" {
		return newLocalSession(host), nil
	}
	return c.dial(ctx, host)
}

func (c *Connector) dial(ctx context.Context, host *engine.Host) (engine.Session, error) {
	clientConfig, err := c.opts.clientConfig(host.User)
	if err != nil {
		return nil, engine.NewConnectionError("failed to build client config", err).WithHost(host.Name)
	}

	port := host.Port
	if port == 0 {
		port = 22
	}
	address := fmt.Sprintf("%s:%d", host.Address, port)
	log.Debug().Str("host", host.Name).Str("address", address).Msg("establishing ssh connection")

	// Dial in a goroutine so ctx cancellation is honored; ssh.Dial only
	// respects its own timeout.
	connCh := make(chan *ssh.Client, 1)
	errCh := make(chan error, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		if err != nil {
			errCh <- err
			return
		}
		select {
		case connCh <- client:
		case <-ctx.Done():
			_ = client.Close()
		}
	}()

	select {
	case <-ctx.Done():
		return nil, engine.NewConnectionError("connection cancelled", ctx.Err()).WithHost(host.Name)
	case err := <-errCh:
		return nil, engine.NewConnectionError(fmt.Sprintf("failed to connect to %s", address), err).WithHost(host.Name)
	case client := <-connCh:
		sess := &sshSession{host: host, client: client, done: make(chan struct{})}
		if c.opts.KeepAliveInterval > 0 {
			go sess.keepAlive(c.opts.KeepAliveInterval)
		}
		log.Debug().Str("host", host.Name).Msg("ssh connection established")
		return sess, nil
	}
}
