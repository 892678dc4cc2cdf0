package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/roaster-core/internal/bridges/roaster"
)

// listPorts is replaced in tests.
var listPorts = roaster.ListPorts

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := listPorts()
			if err != nil {
				return fmt.Errorf("listing serial ports: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(out, p)
			}
			return nil
		},
	}
}
