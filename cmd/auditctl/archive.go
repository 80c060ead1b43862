package main

import (
	"fmt"
	"time"

	"audit-service/internal/repository"
	"audit-service/internal/service"

	"github.com/spf13/cobra"
)

func archiveCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Run one archival and retention pass",
		Long: `Move live audit records older than AUDIT_ARCHIVE_AFTER_DAYS into the archive,
then delete archived records older than AUDIT_RETENTION_DAYS.

Example:
  auditctl archive
  auditctl archive --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, db, err := connect()
			if err != nil {
				return err
			}
			defer db.Close()

			repo := repository.NewPostgresArchiveRepository(db)

			if dryRun {
				cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Audit.ArchiveAfterDays)
				count, err := repo.CountEligible(cmd.Context(), cutoff)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d records older than %s are due for archival\n", count, cutoff.Format(time.RFC3339))
				return nil
			}

			archiver := service.NewArchiver(repo, service.ArchiveOptions{
				ArchiveAfterDays: cfg.Audit.ArchiveAfterDays,
				RetentionDays:    cfg.Audit.RetentionDays,
				BatchSize:        cfg.Audit.ArchiveBatchSize,
				BatchTimeout:     cfg.Audit.ArchiveBatchTimeout,
			})
			result, err := archiver.Run(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d records in %d batches, purged %d\n", result.Archived, result.Batches, result.Purged)
			if err != nil {
				return fmt.Errorf("archive run failed: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "only count records due for archival")

	return cmd
}
