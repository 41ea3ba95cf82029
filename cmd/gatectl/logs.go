package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/cmdgate/cmdgate/internal/archive"
	"github.com/cmdgate/cmdgate/internal/audit"
)

var archiveDir string

var verifyLogCmd = &cobra.Command{
	Use:   "verify-log",
	Short: "Recomputes the hash chain of the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		backs, warehouse, err := loadBackends()
		if err != nil {
			return err
		}
		defer warehouse.Close()
		report, err := audit.VerifyChain(cmd.Context(), backs.Logs)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !report.Valid {
			fmt.Fprintf(out, "chain broken at entry %d: %s\n", report.Broken.EntryID, report.Broken.Reason)
			return errors.New("audit log verification failed")
		}
		fmt.Fprintf(out, "%d entries verified, head %s\n", report.Entries, report.Head)
		return nil
	},
}

var exportLogsCmd = &cobra.Command{
	Use:   "export-logs",
	Short: "Copies new audit log entries into the badger archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		if archiveDir == "" {
			return errors.New("--dir is required")
		}
		backs, warehouse, err := loadBackends()
		if err != nil {
			return err
		}
		defer warehouse.Close()
		a, err := archive.Open(archiveDir)
		if err != nil {
			return err
		}
		defer a.Close()
		stats, err := a.Export(cmd.Context(), backs.Logs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "exported %d entries, archive at id %d\n", stats.Exported, stats.LastID)
		return nil
	},
}

func init() {
	exportLogsCmd.Flags().StringVarP(&archiveDir, "dir", "d", "", "archive directory")
}
