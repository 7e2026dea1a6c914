package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cropio/usagegate/internal/cleanup"
	"github.com/cropio/usagegate/internal/config"
	"github.com/cropio/usagegate/internal/store"
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge usage data older than the retention window",
	Long: `Run retention cleanup once and exit.

Removes ledger entries and usage records older than the retention window
and prints how many rows were deleted.

Examples:
  # Use the retention configured in config.yaml (default 90 days)
  usagegate cleanup

  # Override retention
  usagegate cleanup --days 30`,
	RunE: runCleanup,
}

var cleanupFlags struct {
	Days int
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupFlags.Days, "days", 0, "Retention in days (overrides config)")

	RootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loadConfig(loader)
	if err != nil {
		return err
	}

	days := cfg.Cleanup.RetentionDays
	if cleanupFlags.Days > 0 {
		days = cleanupFlags.Days
	}

	dbPath := cfg.Server.DBPath
	if globalFlags.DBPath != "" {
		dbPath = globalFlags.DBPath
	}

	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	retention := time.Duration(days) * 24 * time.Hour
	mgr := cleanup.NewManager(st, retention, cfg.Cleanup.Interval,
		cleanup.WithBatchSize(cfg.Cleanup.BatchSize),
	)

	result, err := mgr.RunCleanup()
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}

	if globalFlags.JSON {
		return json.NewEncoder(os.Stdout).Encode(map[string]int64{
			"ledger_entries_deleted": result.LedgerEntries,
			"usage_records_deleted":  result.UsageRecords,
		})
	}

	fmt.Printf("Deleted %d ledger entries and %d usage records older than %d days\n",
		result.LedgerEntries, result.UsageRecords, days)
	return nil
}
