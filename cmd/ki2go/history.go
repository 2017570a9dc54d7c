package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ki2go/internal/audit"
	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
)

var (
	historyOrgID    string
	historyUserID   string
	historyStatus   string
	historySince    time.Duration
	historyPage     int
	historyPageSize int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List execution records, newest first",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyOrgID, "org", "", "filter by organization")
	historyCmd.Flags().StringVar(&historyUserID, "user", "", "filter by user")
	historyCmd.Flags().StringVar(&historyStatus, "status", "", "filter by status: pending, completed, failed")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only records created within this duration (e.g. 24h)")
	historyCmd.Flags().IntVar(&historyPage, "page", 1, "page number")
	historyCmd.Flags().IntVar(&historyPageSize, "page-size", 50, "records per page")
}

func runHistory(_ *cobra.Command, _ []string) error {
	sc, err := setup(slog.LevelWarn)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	f := audit.Filter{
		OrgID:    historyOrgID,
		UserID:   historyUserID,
		Status:   domain.ExecutionStatus(historyStatus),
		Page:     historyPage,
		PageSize: historyPageSize,
	}
	if historySince > 0 {
		f.From = time.Now().Add(-historySince)
	}

	page, err := sc.Engine.History(context.Background(), f)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROCESS\tTASK\tSOURCE\tUSER\tORG\tOUTCOME\tTOKENS\tCOST\tCREATED")
	for _, r := range page.Records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ProcessID, r.TemplateID, r.Source, r.UserID, orDash(r.OrgID), r.Outcome(),
			r.InputTokens, r.OutputTokens, ledger.FormatMicros(r.CostMicros),
			r.CreatedAt.Local().Format(time.DateTime),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "page %d, %d of %d record(s)\n", page.Page, len(page.Records), page.Total)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
