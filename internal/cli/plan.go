package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"pqmatrix/internal/config"
	"pqmatrix/internal/matrix"
)

func (a *app) planCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the enumerated cells without building anything",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireConfig(path); err != nil {
				return err
			}
			_, cells, err := loadMatrix(path, config.Overrides{})
			if err != nil {
				return err
			}
			return writePlan(a, cells)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "pipeline configuration (.yaml or .jsonc)")
	return cmd
}

func writePlan(a *app, cells []matrix.Cell) error {
	fmt.Fprintf(a.stdout, "matrix_hash: %s\ncells: %d\n\n", matrix.ComputeHash(cells), len(cells))
	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCELL\tKIND\tFLAGS\tRULE\tCAPABILITIES")
	for _, c := range cells {
		caps := strings.Join(c.Platform.Capabilities, ",")
		if caps == "" {
			caps = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", c.Index, c.ID(), c.Variant.Kind, c.Profile.Flags, c.Rule.Label(), caps)
	}
	return tw.Flush()
}
