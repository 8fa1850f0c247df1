package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nexus-automation/nexus/pkg/checkpoint"
)

var (
	checkpointDB   string
	checkpointDays int
)

func newCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect and clean saved run checkpoints",
		Long: `Checkpoints record per-host task progress of failed or interrupted runs.
A run resumed with --resume skips the tasks its checkpoint marks completed.`,
	}

	cmd.PersistentFlags().StringVar(&checkpointDB, "checkpoint-db", defaultCheckpointPath(), "checkpoint database path")

	cmd.AddCommand(newCheckpointListCommand())
	cmd.AddCommand(newCheckpointCleanCommand())

	return cmd
}

func newCheckpointListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCheckpointStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.List(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}

			if len(infos) == 0 {
				fmt.Println("no checkpoints")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLAYBOOK\tRUN\tTASKS\tLAST HOST\tLAST TASK\tUPDATED")
			for _, info := range infos {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					info.PlaybookPath, info.RunID, info.Tasks,
					info.LastHost, info.LastTask,
					info.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newCheckpointCleanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Delete checkpoints older than a cutoff",
		Example: `  # Drop checkpoints untouched for a week
  nexus checkpoint clean --days 7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openCheckpointStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.Clean(cmd.Context(), time.Duration(checkpointDays)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d checkpoint(s)\n", removed)
			return nil
		},
	}

	cmd.Flags().IntVar(&checkpointDays, "days", 30, "delete checkpoints not updated in this many days")

	return cmd
}

func openCheckpointStore(cmd *cobra.Command) (*checkpoint.Store, error) {
	store, err := checkpoint.NewStore(checkpointDB)
	if err != nil {
		return nil, err
	}
	if err := store.Init(cmd.Context()); err != nil {
		return nil, err
	}
	return store, nil
}
