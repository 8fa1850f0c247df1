package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nexus-automation/nexus/pkg/inventory"
	"github.com/nexus-automation/nexus/pkg/playbook"
)

var validateInventory string

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate PLAYBOOK...",
		Short: "Check playbooks and the inventory for errors",
		Long: `Validate parses each playbook and reports structural errors: unknown
fields, invalid retry or serial specifications, duplicate handler names.
With --inventory the inventory file is checked as well.`,
		Example: `  # Validate a playbook
  nexus validate site.yml

  # Validate playbooks and the inventory together
  nexus validate site.yml deploy.yml -i inventory.yml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validate(args)
		},
	}

	cmd.Flags().StringVarP(&validateInventory, "inventory", "i", "", "inventory file path")

	return cmd
}

func validate(paths []string) error {
	failures := 0
	for _, path := range paths {
		if _, err := playbook.Load(path); err != nil {
			fmt.Printf("%s: %v\n", path, err)
			failures++
			continue
		}
		fmt.Printf("%s: ok\n", path)
	}

	if validateInventory != "" {
		if _, err := inventory.Load(validateInventory); err != nil {
			fmt.Printf("%s: %v\n", validateInventory, err)
			failures++
		} else {
			fmt.Printf("%s: ok\n", validateInventory)
		}
	}

	if failures > 0 {
		return &ExitError{Code: 1, Message: fmt.Sprintf("%d file(s) failed validation", failures)}
	}
	return nil
}
