package main

import (
	"database/sql"
	"fmt"

	"audit-service/internal/config"
	"audit-service/internal/repository"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auditctl",
		Short: "Operate the audit log store",
		Long: `auditctl runs maintenance tasks against the audit log database.

Quick start:
  auditctl archive --dry-run       # Count records due for archival
  auditctl archive                 # Move aged records and purge expired archive rows
  auditctl verify --tenant acme    # Check one tenant's hash chain`,
		SilenceUsage: true,
	}

	cmd.AddCommand(archiveCmd())
	cmd.AddCommand(verifyCmd())

	return cmd
}

// connect loads configuration and opens the Postgres store. The CLI never runs on the memory store.
func connect() (*config.Config, *sql.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		return nil, nil, fmt.Errorf("auditctl requires STORE_DRIVER=%s", config.StoreDriverPostgres)
	}

	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	db, err := repository.OpenPostgres(cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}
