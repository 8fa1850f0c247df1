package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexus-automation/nexus/pkg/telemetry"
	"github.com/nexus-automation/nexus/pkg/vault"
)

var (
	// Global flags
	logLevel   string
	logFormat  string
	jsonOutput bool
)

// ExitError carries a process exit code through cobra's error return.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nexus",
		Short: "Nexus - Concurrent Playbook Execution Engine",
		Long: `Nexus executes YAML playbooks against an inventory of hosts over SSH.

Features:
  - Concurrent host execution with a bounded worker pool
  - Rolling batches via serial, handlers, blocks with rescue/always
  - Per-task retries with backoff and circuit breakers
  - Checkpoint and resume of interrupted runs
  - Encrypted secrets via an integrated vault`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
				Level:  logLevel,
				Format: logFormat,
				Output: "stderr",
			})
			if err != nil {
				return err
			}
			telemetry.ApplyGlobal(logger)
			return nil
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVaultCommand())
	rootCmd.AddCommand(newCheckpointCommand())

	return rootCmd
}

// defaultCheckpointPath places the checkpoint database under the user's home
// directory, falling back to the working directory.
func defaultCheckpointPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".nexus", "checkpoints.db")
	}
	return filepath.Join(home, ".nexus", "checkpoints.db")
}

// loadVault builds a secret resolver from the password file flag or the
// NEXUS_VAULT_PASSWORD environment variable. Returns nil when neither is set.
func loadVault(passwordFile string) (*vault.Vault, error) {
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read vault password file: %w", err)
		}
		password := strings.TrimRight(string(data), "\r\n")
		if password == "" {
			return nil, fmt.Errorf("vault password file %s is empty", passwordFile)
		}
		return vault.New(password), nil
	}
	if password := os.Getenv("NEXUS_VAULT_PASSWORD"); password != "" {
		return vault.New(password), nil
	}
	return nil, nil
}

// requireVault is loadVault for commands that cannot proceed without one.
func requireVault(passwordFile string) (*vault.Vault, error) {
	v, err := loadVault(passwordFile)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("no vault password: use --vault-password-file or set NEXUS_VAULT_PASSWORD")
	}
	return v, nil
}
