package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/helixmcp/internal/catalog"
	"github.com/scrypster/helixmcp/internal/logging"
)

func newRepairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Replay journaled partial updates",
		Long: "Re-run the embedding replacement for every pending journal entry. Entries whose record " +
			"changed since the failure are marked obsolete.",
		RunE: runRepair,
	}
	cmd.Flags().String("kind", "", "only repair this memory type")
	cmd.Flags().Int("limit", 100, "maximum entries to replay")
	return cmd
}

func runRepair(cmd *cobra.Command, _ []string) error {
	kind, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")
	if kind != "" {
		if _, ok := catalog.ParseKind(kind); !ok {
			return fmt.Errorf("unknown memory type %q", kind)
		}
	}
	if limit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Journal.Engine == "none" {
		return fmt.Errorf("repair needs a journal; journal.engine is none")
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	report, err := a.coordinator.RepairPending(cmd.Context(), kind, limit)
	if err != nil {
		return err
	}
	logger.Info("repair finished",
		zap.Int("repaired", report.Repaired), zap.Int("obsolete", report.Obsolete), zap.Int("failed", report.Failed))

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "repaired %d, obsolete %d, failed %d\n",
		report.Repaired, report.Obsolete, report.Failed)
	if err == nil && report.Failed > 0 {
		err = fmt.Errorf("%d journal entries could not be repaired", report.Failed)
	}
	return err
}
