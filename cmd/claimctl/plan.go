package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/intake"
	"github.com/gyeh/claimflow/internal/model"
)

var planCmd = &cobra.Command{
	Use:   "plan <claim.json>...",
	Short: "Dry-run resolution and pricing (no signing, no submission)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	log := setup()
	ctx := context.Background()

	if err := cfg.ValidatePlan(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.UsageError)
	}

	s := buildStack(ctx, log, false)
	defer s.Close()

	code := exitcode.Success
	for _, path := range args {
		claim, err := intake.DecodeFile(path, time.Now())
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("claim rejected at intake")
			code = exitcode.ValidationError
			continue
		}

		resolved, err := s.resolver.ResolveAll(ctx, claim.FacilityID, claim.Items)
		if err != nil {
			fmt.Printf("%s: resolution failed: %s\n", path, claimerr.Sanitize(err))
			code = exitcode.ClaimFailed
			continue
		}
		items := make([]model.ServiceLineItem, len(resolved))
		for i, r := range resolved {
			items[i] = r.Item.WithResolvedCode(r.Resolution.ResolvedCode)
		}

		priced, err := s.pricer.PriceClaim(ctx, *claim, items)
		if err != nil {
			fmt.Printf("%s: pricing failed: %s\n", path, claimerr.Sanitize(err))
			code = exitcode.ClaimFailed
			continue
		}
		printPlan(path, resolved, priced)
	}

	if code != exitcode.Success {
		os.Exit(code)
	}
	return nil
}

func printPlan(path string, resolved []model.ResolvedItem, priced *model.PricedClaim) {
	fmt.Printf("=== claimctl plan: %s ===\n", path)
	fmt.Printf("Correlation: %s\n", priced.CorrelationID)
	fmt.Printf("Facility:    %s (tier %s)\n", priced.FacilityID, priced.TierMultiplier.String())
	fmt.Println()
	fmt.Println("Lines:")
	for i, r := range resolved {
		review := ""
		if r.Resolution.NeedsReview {
			review = "  [needs review]"
		}
		var line model.PricedLine
		if i < len(priced.Lines) {
			line = priced.Lines[i]
		}
		fmt.Printf("  %-16s → %-10s %-8s conf=%.2f qty=%d bundled=%d amount=%s%s\n",
			r.Item.FacilityCode, r.Resolution.ResolvedCode, r.Resolution.Source,
			r.Resolution.Confidence, r.Item.Quantity, line.BundledQuantity,
			line.Amount.StringFixed(2), review)
	}
	if len(priced.BundleMatches) > 0 {
		fmt.Println()
		fmt.Println("Bundles:")
		for _, m := range priced.BundleMatches {
			fmt.Printf("  %-16s %s\n", m.BundleID, m.FixedPrice.StringFixed(2))
		}
	}
	fmt.Printf("\nTotal: %s %s\n\n", priced.TotalAmount.String(), priced.Currency)
}
