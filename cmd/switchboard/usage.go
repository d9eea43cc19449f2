package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/nulpointcorp/switchboard/internal/config"
	"github.com/nulpointcorp/switchboard/internal/store"
)

func newUsageCmd(cfgFile *string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Print daily token usage and cost from the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if days < 1 || days > 366 {
				return fmt.Errorf("--days must be between 1 and 366, got %d", days)
			}
			cfg, err := config.Load(*cfgFile)
			if err != nil {
				return err
			}
			return printUsage(cmd.Context(), cmd.OutOrStdout(), cfg.DBPath, days, time.Now())
		},
	}
	cmd.Flags().IntVarP(&days, "days", "d", 7, "number of UTC days to include")
	return cmd
}

func printUsage(ctx context.Context, w io.Writer, dbPath string, days int, now time.Time) error {
	st, err := store.Open(ctx, dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	since := now.UTC().AddDate(0, 0, -(days - 1)).Format(store.DateLayout)
	stats, err := st.DailyStats(ctx, since)
	if err != nil {
		return err
	}
	writeUsage(w, since, stats)
	return nil
}

func writeUsage(w io.Writer, since string, stats []store.DailyStat) {
	header := color.New(color.FgCyan, color.Bold)
	failed := color.New(color.FgRed)

	header.Fprintf(w, "Usage since %s\n", since)
	if len(stats) == 0 {
		color.New(color.FgYellow).Fprintln(w, "  no requests recorded")
		return
	}

	fmt.Fprintf(w, "  %-10s  %-7s  %-20s  %-28s  %8s  %12s  %12s  %12s\n",
		"DATE", "APP", "PROVIDER", "MODEL", "REQS", "INPUT", "OUTPUT", "COST USD")

	var (
		total    = decimal.Zero
		requests int64
		errs     int64
	)
	for _, s := range stats {
		line := fmt.Sprintf("  %-10s  %-7s  %-20s  %-28s  %8d  %12d  %12d  %12s",
			s.Date, s.AppType, s.ProviderID, s.Model, s.RequestCount,
			s.TotalInputTokens, s.TotalOutputTokens, s.TotalCostUSD.StringFixed(6))
		if s.ErrorCount > 0 {
			failed.Fprintf(w, "%s  (%d failed)\n", line, s.ErrorCount)
		} else {
			fmt.Fprintln(w, line)
		}
		total = total.Add(s.TotalCostUSD)
		requests += s.RequestCount
		errs += s.ErrorCount
	}

	header.Fprintf(w, "Total: %d requests, %d failed, $%s\n", requests, errs, total.StringFixed(6))
}
