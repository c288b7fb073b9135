package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/itohio/goanneal/pkg/gauge"
)

func newPortsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := gauge.Ports()
			if err != nil {
				return err
			}
			for _, p := range ports {
				mark := " "
				if p.Name == c.cfg.Gauge.Port {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %-20s %s\n", mark, p.Name, p.Description)
			}
			return nil
		},
	}
}
