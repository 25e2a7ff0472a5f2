package cli

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pqmatrix/internal/config"
	"pqmatrix/internal/events"
	"pqmatrix/internal/report"
)

func (a *app) reportCommand() *cobra.Command {
	var path, eventsPath, outDir string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Re-render the reports from a persisted event log",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireConfig(path); err != nil {
				return err
			}
			cfg, cells, err := loadMatrix(path, config.Overrides{})
			if err != nil {
				return err
			}
			if eventsPath == "" {
				eventsPath = filepath.Join(cfg.Paths.Reports, events.FileName)
			}
			if outDir == "" {
				outDir = cfg.Paths.Reports
			}
			records, err := events.LoadJSONL(eventsPath)
			if err != nil {
				return fmt.Errorf("load event log: %w", err)
			}
			store, err := report.NewStore(outDir)
			if err != nil {
				return err
			}
			rep, err := report.Replay(store, records, cells, gateTargets(cfg))
			if errors.Is(err, report.ErrMatrixMismatch) {
				return invalidInvocationf("%s does not belong to %s: %v", eventsPath, cfg.Source, err)
			}
			if err != nil {
				return err
			}
			a.logger.Info("report replayed",
				zap.String("events", eventsPath),
				zap.Int("records", len(records)),
				zap.String("dir", outDir))
			a.result.Report = &rep
			a.result.ExitCode = exitCodeFor(rep)
			a.printSummary(rep, store)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "pipeline configuration (.yaml or .jsonc)")
	cmd.Flags().StringVar(&eventsPath, "events", "", "event log (default <reports>/events.jsonl)")
	cmd.Flags().StringVar(&outDir, "out", "", "output directory (default <reports>)")
	return cmd
}
