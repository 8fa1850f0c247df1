package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexus-automation/nexus/pkg/engine"
	"github.com/nexus-automation/nexus/pkg/inventory"
	"github.com/nexus-automation/nexus/pkg/playbook"
)

var (
	planInventory string
	planTags      []string
	planSkipTags  []string
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan PLAYBOOK",
		Short: "Show the resolved execution plan without running it",
		Long: `Plan resolves host patterns, expands roles, splits serial batches and
applies tag filters, then prints the resulting task order per play.`,
		Example: `  # Show what a run would execute
  nexus plan site.yml -i inventory.yml

  # Plan with a tag filter, as JSON
  nexus plan site.yml -i inventory.yml --tags deploy --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showPlan(args[0])
		},
	}

	cmd.Flags().StringVarP(&planInventory, "inventory", "i", "", "inventory file path (required)")
	cmd.Flags().StringSliceVarP(&planTags, "tags", "t", nil, "only include tasks with these tags")
	cmd.Flags().StringSliceVar(&planSkipTags, "skip-tags", nil, "exclude tasks with these tags")
	_ = cmd.MarkFlagRequired("inventory")

	return cmd
}

// planSummary is the JSON shape of one resolved play.
type planSummary struct {
	Play    string        `json:"play"`
	Hosts   []string      `json:"hosts"`
	Batches [][]string    `json:"batches"`
	Tasks   []taskSummary `json:"tasks"`
}

type taskSummary struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Module string   `json:"module"`
	Block  string   `json:"block,omitempty"`
	Tags   []string `json:"tags,omitempty"`
}

func showPlan(playbookPath string) error {
	pb, err := playbook.Load(playbookPath)
	if err != nil {
		return err
	}
	inv, err := inventory.Load(planInventory)
	if err != nil {
		return err
	}

	planner := engine.NewPlanner(inv, engine.NewTagFilter(planTags, planSkipTags))
	plan, err := planner.Plan(pb)
	if err != nil {
		return err
	}

	summaries := make([]planSummary, 0, len(plan.Plays))
	for _, pp := range plan.Plays {
		s := planSummary{Play: pp.Play.Name}
		for _, h := range pp.Hosts {
			s.Hosts = append(s.Hosts, h.Name)
		}
		for _, batch := range pp.Batches {
			names := make([]string, 0, len(batch))
			for _, h := range batch {
				names = append(names, h.Name)
			}
			s.Batches = append(s.Batches, names)
		}
		s.Tasks = append(s.Tasks, summarizeSteps(pp.Steps, "")...)
		summaries = append(summaries, s)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summaries)
	}

	for _, s := range summaries {
		fmt.Printf("PLAY [%s]  hosts=%d batches=%d\n", s.Play, len(s.Hosts), len(s.Batches))
		for i, batch := range s.Batches {
			fmt.Printf("  batch %d: %s\n", i+1, strings.Join(batch, ", "))
		}
		for _, t := range s.Tasks {
			line := fmt.Sprintf("  [%s] %s", t.Module, t.Name)
			if t.Block != "" {
				line += fmt.Sprintf("  (block: %s)", t.Block)
			}
			if len(t.Tags) > 0 {
				line += fmt.Sprintf("  tags=%s", strings.Join(t.Tags, ","))
			}
			fmt.Println(line)
		}
		fmt.Println()
	}
	return nil
}

func summarizeSteps(steps []engine.Step, block string) []taskSummary {
	var out []taskSummary
	for _, step := range steps {
		switch {
		case step.Task != nil:
			out = append(out, summarizeTask(*step.Task, block))
		case step.Block != nil:
			name := step.Block.Name
			if name == "" {
				name = "unnamed"
			}
			for _, t := range step.Block.Tasks {
				out = append(out, summarizeTask(t, name))
			}
			for _, t := range step.Block.Rescue {
				out = append(out, summarizeTask(t, name+"/rescue"))
			}
			for _, t := range step.Block.Always {
				out = append(out, summarizeTask(t, name+"/always"))
			}
		}
	}
	return out
}

func summarizeTask(t engine.Task, block string) taskSummary {
	return taskSummary{
		ID:     t.ID,
		Name:   t.Name,
		Module: t.Module,
		Block:  block,
		Tags:   t.Tags,
	}
}
