package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cropio/usagegate/internal/config"
	"github.com/cropio/usagegate/internal/ledger"
	"github.com/cropio/usagegate/internal/policy"
	"github.com/cropio/usagegate/internal/store"
)

// reportCmd represents the report command
var reportCmd = &cobra.Command{
	Use:   "report <user_id>",
	Short: "Show a usage report for a user",
	Long: `Display aggregate usage for one user: totals, a per-day breakdown,
and the most used tools over the reporting window.

Examples:
  # Last 30 days
  usagegate report user-123

  # Last 7 days as JSON
  usagegate report user-123 --days 7 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

var reportFlags struct {
	Days int
}

func init() {
	reportCmd.Flags().IntVar(&reportFlags.Days, "days", 30, "Reporting window in days")

	RootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	userID := args[0]

	loader := config.NewLoader(globalFlags.Config)
	cfg, err := loadConfig(loader)
	if err != nil {
		return err
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

	policies, err := policy.NewTable(cfg.Tiers)
	if err != nil {
		return fmt.Errorf("failed to build tier policy table: %w", err)
	}

	ldg := ledger.New(st, policies)
	report, err := ldg.Report(userID, reportFlags.Days)
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}

	if globalFlags.JSON {
		return json.NewEncoder(os.Stdout).Encode(report)
	}

	fmt.Printf("Usage report for %s (last %d days)\n\n", report.UserID, report.Days)
	fmt.Printf("Conversions: %d completed, %d failed\n", report.TotalConversions, report.TotalFailed)
	fmt.Printf("Bytes stored: %d", report.TotalBytes)
	if report.BytesEstimated {
		fmt.Printf(" (includes estimated output sizes)")
	}
	fmt.Println()

	if len(report.PerDay) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tCONVERSIONS\tBYTES\tIMAGES\tPDFS\tDOCS\tVIDEOS\tWEB")
		for _, day := range report.PerDay {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				day.Date, day.Conversions, day.Bytes,
				day.Images, day.PDFs, day.Documents, day.Videos, day.Web)
		}
		w.Flush()
	}

	if len(report.TopTools) > 0 {
		fmt.Println("\nTop tools:")
		for _, tool := range report.TopTools {
			fmt.Printf("  %-24s %d\n", tool.Tool, tool.Count)
		}
	}

	return nil
}
