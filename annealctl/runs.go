package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/itohio/goanneal/pkg/record"
)

func newRunsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Recorded anneal runs",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(func(s *record.Store) error {
				runs, err := s.Runs()
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTEPS\tSAMPLES\tOUTCOME")
				for _, r := range runs {
					d := "-"
					if !r.Finished.IsZero() {
						d = r.Finished.Sub(r.Started).Round(time.Second).String()
					}
					fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
						r.ID, r.Started.Local().Format(time.DateTime), d, len(r.Recipe.Steps), r.Samples, r.Outcome)
				}
				return tw.Flush()
			})
		},
	}

	var output string
	export := &cobra.Command{
		Use:   "export <id>",
		Short: "Write the samples of a run as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			return c.withStore(func(s *record.Store) (err error) {
				var w io.Writer = cmd.OutOrStdout()
				if output != "" && output != "-" {
					f, cerr := os.Create(output)
					if cerr != nil {
						return cerr
					}
					defer func() {
						err = multierr.Append(err, f.Close())
					}()
					w = f
				}
				return s.ExportCSV(id, w)
			})
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "Output file, stdout when empty")

	cmd.AddCommand(list, export)
	return cmd
}

func (c *cli) withStore(fn func(s *record.Store) error) (err error) {
	s, err := record.Open(c.cfg.Record.Path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.Close())
	}()
	return fn(s)
}
