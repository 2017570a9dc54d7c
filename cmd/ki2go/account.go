package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
)

var (
	accountOrgID   string
	accountUserID  string
	accountPlan    string
	accountCeiling int64
	accountStatus  string
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Inspect and administer credit accounts",
}

var accountShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show an account with the cost of its current cycle",
	RunE:  runAccountShow,
}

var accountSetPlanCmd = &cobra.Command{
	Use:   "set-plan",
	Short: "Change an account's plan, ceiling or subscription status",
	Long: `set-plan is what the billing integration calls when a subscription
changes. A negative --ceiling removes the limit.

Example:
  ki2go account set-plan --org acme --plan business --ceiling 500 --status active`,
	RunE: runAccountSetPlan,
}

func init() {
	for _, cmd := range []*cobra.Command{accountShowCmd, accountSetPlanCmd} {
		cmd.Flags().StringVar(&accountOrgID, "org", "", "organization ID")
		cmd.Flags().StringVar(&accountUserID, "user", "", "user ID (accounts of users without an organization)")
	}
	accountSetPlanCmd.Flags().StringVar(&accountPlan, "plan", "", "plan ID (required)")
	accountSetPlanCmd.Flags().Int64Var(&accountCeiling, "ceiling", -1, "credits per cycle; negative = unlimited")
	accountSetPlanCmd.Flags().StringVar(&accountStatus, "status", string(domain.SubscriptionActive), "subscription status")
	_ = accountSetPlanCmd.MarkFlagRequired("plan")
	accountCmd.AddCommand(accountShowCmd, accountSetPlanCmd)
}

func accountPrincipal() (domain.Principal, error) {
	if accountOrgID == "" && accountUserID == "" {
		return domain.Principal{}, fmt.Errorf("--org or --user is required")
	}
	return domain.Principal{OrgID: accountOrgID, UserID: accountUserID}, nil
}

func runAccountShow(_ *cobra.Command, _ []string) error {
	p, err := accountPrincipal()
	if err != nil {
		return err
	}
	sc, err := setup(slog.LevelWarn)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	ctx := context.Background()

	acct, err := sc.Ledger.Account(ctx, p)
	if err != nil {
		return err
	}
	totals, err := sc.Ledger.Totals(ctx, acct.ID, acct.CycleStart, time.Now())
	if err != nil {
		return err
	}

	ceiling := "unlimited"
	if acct.Ceiling != nil {
		ceiling = fmt.Sprint(*acct.Ceiling)
	}
	fmt.Printf("account:     %s\n", acct.ID)
	fmt.Printf("plan:        %s (%s)\n", orDash(acct.PlanID), acct.Status)
	fmt.Printf("cycle start: %s\n", acct.CycleStart.Format(time.RFC3339))
	fmt.Printf("credits:     %d / %s\n", acct.Consumed, ceiling)
	fmt.Printf("executions:  %d\n", totals.Executions)
	fmt.Printf("tokens:      %d in / %d out\n", totals.InputTokens, totals.OutputTokens)
	fmt.Printf("cost:        %s\n", ledger.FormatMicros(totals.CostMicros))
	return nil
}

func runAccountSetPlan(_ *cobra.Command, _ []string) error {
	p, err := accountPrincipal()
	if err != nil {
		return err
	}
	status := domain.SubscriptionStatus(accountStatus)
	switch status {
	case domain.SubscriptionTrial, domain.SubscriptionActive, domain.SubscriptionExpired,
		domain.SubscriptionCancelled, domain.SubscriptionSuspended:
	default:
		return fmt.Errorf("unknown subscription status %q", accountStatus)
	}

	sc, err := setup(slog.LevelInfo)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	ctx := context.Background()

	acct, err := sc.Ledger.Account(ctx, p)
	if err != nil {
		return err
	}
	var ceiling *int64
	if accountCeiling >= 0 {
		ceiling = &accountCeiling
	}
	if err := sc.Store.Ledger().UpdatePlan(ctx, acct.ID, accountPlan, ceiling, status); err != nil {
		return err
	}
	fmt.Printf("account %s updated\n", acct.ID)
	return nil
}
