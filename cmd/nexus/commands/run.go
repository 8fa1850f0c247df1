package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/nexus-automation/nexus/pkg/checkpoint"
	"github.com/nexus-automation/nexus/pkg/engine"
	"github.com/nexus-automation/nexus/pkg/evaluator"
	"github.com/nexus-automation/nexus/pkg/inventory"
	"github.com/nexus-automation/nexus/pkg/modules"
	"github.com/nexus-automation/nexus/pkg/playbook"
	"github.com/nexus-automation/nexus/pkg/telemetry"
	transport "github.com/nexus-automation/nexus/pkg/transports/ssh"
)

var (
	runInventory     string
	runForks         int
	runTags          []string
	runSkipTags      []string
	runCheck         bool
	runResume        bool
	runWatch         bool
	runNoCheckpoint  bool
	runCheckpointDB  string
	runVaultPassFile string
	runPrivateKey    string
	runInsecure      bool
	runMetricsListen string
	runTraceEndpoint string
)

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run PLAYBOOK",
		Short: "Execute a playbook against the inventory",
		Long: `Run executes every play in the playbook: hosts are matched against the
inventory, split into serial batches, and driven through the task list by a
bounded worker pool. Exit code 0 means every host succeeded, 2 means at least
one host failed, 130 means the run was interrupted.`,
		Example: `  # Run a playbook with the default 5 forks
  nexus run site.yml -i inventory.yml

  # Dry run limited to tagged tasks
  nexus run site.yml -i inventory.yml --check --tags deploy,config

  # Resume an interrupted run
  nexus run site.yml -i inventory.yml --resume

  # Re-run automatically when the playbook or inventory changes
  nexus run site.yml -i inventory.yml --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runWatch {
				return watchAndRun(cmd.Context(), args[0])
			}
			return runPlaybook(cmd.Context(), args[0])
		},
	}

	cmd.Flags().StringVarP(&runInventory, "inventory", "i", "", "inventory file path (required)")
	cmd.Flags().IntVarP(&runForks, "forks", "f", 5, "maximum number of concurrent hosts")
	cmd.Flags().StringSliceVarP(&runTags, "tags", "t", nil, "only run tasks with these tags")
	cmd.Flags().StringSliceVar(&runSkipTags, "skip-tags", nil, "skip tasks with these tags")
	cmd.Flags().BoolVar(&runCheck, "check", false, "report what would change without executing modules")
	cmd.Flags().BoolVar(&runResume, "resume", false, "resume from the last checkpoint for this playbook")
	cmd.Flags().BoolVar(&runWatch, "watch", false, "re-run when the playbook or inventory file changes")
	cmd.Flags().BoolVar(&runNoCheckpoint, "no-checkpoint", false, "disable checkpointing")
	cmd.Flags().StringVar(&runCheckpointDB, "checkpoint-db", defaultCheckpointPath(), "checkpoint database path")
	cmd.Flags().StringVar(&runVaultPassFile, "vault-password-file", "", "file containing the vault password")
	cmd.Flags().StringVar(&runPrivateKey, "private-key", "", "SSH private key path")
	cmd.Flags().BoolVar(&runInsecure, "insecure", false, "skip SSH host key verification")
	cmd.Flags().StringVar(&runMetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&runTraceEndpoint, "trace-endpoint", "", "export OTLP traces to this endpoint")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}

func runPlaybook(ctx context.Context, playbookPath string) error {
	tel, err := telemetry.New(telemetryConfig())
	if err != nil {
		return err
	}
	telemetry.ApplyGlobal(tel.Logger)
	tel.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	// The checkpoint is keyed by the absolute playbook path and guarded by a
	// content hash, so resume refuses a playbook edited since the interrupt.
	absPath, err := filepath.Abs(playbookPath)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(playbookPath)
	if err != nil {
		return fmt.Errorf("failed to read playbook: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	pb, err := playbook.Load(playbookPath)
	if err != nil {
		return err
	}
	inv, err := inventory.Load(runInventory)
	if err != nil {
		return err
	}

	planner := engine.NewPlanner(inv, engine.NewTagFilter(runTags, runSkipTags))
	plan, err := planner.Plan(pb)
	if err != nil {
		return err
	}

	secrets, err := loadVault(runVaultPassFile)
	if err != nil {
		return err
	}

	opts := transport.DefaultOptions()
	if runPrivateKey != "" {
		opts.PrivateKeyPath = runPrivateKey
	}
	if runInsecure {
		opts.StrictHostKeyChecking = false
	}
	connector, err := transport.NewConnector(opts)
	if err != nil {
		return err
	}

	runID := uuid.New().String()

	cfg := engine.Config{
		Forks:     runForks,
		CheckMode: runCheck,
		RunID:     runID,
		Evaluator: evaluator.New(),
		Modules:   modules.NewRegistry(),
		Connector: connector,
		Inventory: inv,
	}
	if secrets != nil {
		cfg.Secrets = secrets
	}
	cfg.Sink = tel.Sink

	if !runNoCheckpoint {
		if err := os.MkdirAll(filepath.Dir(runCheckpointDB), 0o755); err != nil {
			return fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		store, err := checkpoint.NewStore(runCheckpointDB)
		if err != nil {
			return err
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		defer store.Close()

		mgr, err := checkpoint.Open(ctx, store, checkpoint.Options{
			PlaybookPath: absPath,
			PlaybookHash: hash,
			RunID:        runID,
			Resume:       runResume,
		})
		if err != nil {
			return err
		}
		cfg.Checkpoint = mgr
	} else if runResume {
		return fmt.Errorf("--resume requires checkpointing; drop --no-checkpoint")
	}

	eng := engine.New(cfg)
	started := time.Now()
	report, err := eng.Run(ctx, plan)
	if err != nil {
		tel.Metrics.RecordRunCompleted("error", time.Since(started))
		return err
	}

	status := "ok"
	switch {
	case report.Cancelled:
		status = "cancelled"
	case report.Failed():
		status = "failed"
	}
	tel.Metrics.RecordRunCompleted(status, report.Duration)

	if err := printReport(report); err != nil {
		return err
	}

	switch {
	case report.Cancelled:
		return &ExitError{Code: 130, Message: "run cancelled"}
	case report.Failed():
		return &ExitError{Code: 2, Message: fmt.Sprintf("run failed on %d host(s)", len(report.FailedHosts))}
	default:
		return nil
	}
}

// watchAndRun executes the playbook, then re-runs it whenever the playbook
// or inventory file changes, until the context is cancelled.
func watchAndRun(ctx context.Context, playbookPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the parent directories: editors replace files on save, which
	// drops a watch registered on the file itself.
	for _, dir := range watchDirs(playbookPath, runInventory) {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	targets := map[string]bool{
		filepath.Clean(playbookPath): true,
		filepath.Clean(runInventory): true,
	}

	for {
		if err := runPlaybook(ctx, playbookPath); err != nil {
			var exitErr *ExitError
			if errors.As(err, &exitErr) && exitErr.Code == 130 {
				return err
			}
			log.Error().Err(err).Msg("run failed, waiting for changes")
		}
		// Resume applies to the first iteration only; later runs start fresh
		// against the changed files.
		runResume = false

		if err := waitForChange(ctx, watcher, targets); err != nil {
			return err
		}
		log.Info().Str("playbook", playbookPath).Msg("change detected, re-running")
	}
}

func watchDirs(paths ...string) []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, p := range paths {
		dir := filepath.Dir(filepath.Clean(p))
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// waitForChange blocks until a watched file is written, then debounces
// follow-up events from the same save.
func waitForChange(ctx context.Context, watcher *fsnotify.Watcher, targets map[string]bool) error {
	for {
		select {
		case <-ctx.Done():
			return &ExitError{Code: 130, Message: "watch cancelled"}
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			debounce := time.NewTimer(500 * time.Millisecond)
			defer debounce.Stop()
			for {
				select {
				case <-ctx.Done():
					return &ExitError{Code: 130, Message: "watch cancelled"}
				case <-watcher.Events:
				case <-debounce.C:
					return nil
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			log.Warn().Err(err).Msg("watch error")
		}
	}
}

func telemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = logLevel
	cfg.Logging.Format = logFormat
	if runMetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = runMetricsListen
	}
	if runTraceEndpoint != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = "otlp"
		cfg.Tracing.Endpoint = runTraceEndpoint
	}
	return cfg
}

func printReport(report *engine.RunReport) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	hosts := make([]string, 0, len(report.Recap))
	for host := range report.Recap {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	fmt.Println()
	fmt.Println("PLAY RECAP")
	for _, host := range hosts {
		r := report.Recap[host]
		fmt.Printf("%-30s : ok=%-4d changed=%-4d failed=%-4d skipped=%-4d rescued=%-4d ignored=%-4d\n",
			host, r.OK, r.Changed, r.Failed, r.Skipped, r.Rescued, r.Ignored)
	}
	fmt.Printf("\nrun %s finished in %s\n", report.RunID, report.Duration.Round(time.Millisecond))
	return nil
}
