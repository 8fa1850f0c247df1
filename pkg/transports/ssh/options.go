// Package ssh connects the engine to real hosts: an SSH transport for
// remote hosts and a subprocess transport for hosts marked connection: local.
package ssh

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the connector authenticates.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication.
	AuthMethodKey AuthMethod = "key"
)

// Options hold connector-wide SSH settings. Per-host address, port and user
// come from the inventory.
type Options struct {
	// AuthMethod specifies which authentication method to use.
	AuthMethod AuthMethod

	// Password for password-based authentication.
	Password string

	// PrivateKeyPath is the path to the private key file. Empty means the
	// usual keys under ~/.ssh are tried.
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys.
	PrivateKeyPassphrase string

	// KnownHostsPath is the path to the known_hosts file.
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from known_hosts. When
	// false any host key is accepted.
	StrictHostKeyChecking bool

	// ConnectTimeout bounds connection establishment per host.
	ConnectTimeout time.Duration

	// KeepAliveInterval is the interval for keep-alive messages on idle
	// connections. Zero disables keep-alive.
	KeepAliveInterval time.Duration
}

// DefaultOptions returns Options with the usual defaults.
func DefaultOptions() Options {
	return Options{
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectTimeout:        30 * time.Second,
		KeepAliveInterval:     30 * time.Second,
	}
}

// Validate checks the options before the connector is used.
func (o *Options) Validate() error {
	switch o.AuthMethod {
	case AuthMethodPassword:
		if o.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if o.PrivateKeyPath == "" {
			o.PrivateKeyPath = findDefaultKey()
			if o.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required and no default key found")
			}
		}
		if _, err := os.Stat(o.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", o.PrivateKeyPath)
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", o.AuthMethod)
	}

	if o.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

func findDefaultKey() string {
	home := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// clientConfig builds the ssh.ClientConfig for one host user.
func (o *Options) clientConfig(user string) (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch o.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(o.Password))

		// Many servers only offer keyboard-interactive for the password
		// prompt.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = o.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(o.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if o.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(o.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if o.KnownHostsPath != "" && o.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(o.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         o.ConnectTimeout,
	}, nil
}
