package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/intake"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/pipeline"
)

var metricsAddr string

var submitCmd = &cobra.Command{
	Use:   "submit <claim.json>...",
	Short: "Run claims through resolution, pricing, signing and submission",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	log := setup()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cfg.ValidateSubmit(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.UsageError)
	}

	var claims []model.Claim
	var codes []int
	for _, path := range args {
		c, err := intake.DecodeFile(path, time.Now())
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("claim rejected at intake")
			codes = append(codes, exitcode.ValidationError)
			continue
		}
		claims = append(claims, *c)
	}

	if len(claims) > 0 {
		s := buildStack(ctx, log, true)
		defer s.Close()
		defer s.serveMetrics(metricsAddr)()

		results := s.orchestrator.RunBatch(ctx, claims)
		printResults(results)
		for _, r := range results {
			codes = append(codes, claimExit(r))
		}
	}

	if code := batchExit(codes); code != exitcode.Success {
		os.Exit(code)
	}
	return nil
}

func printResults(results []pipeline.Result) {
	for _, r := range results {
		if r.State != nil {
			fmt.Printf("%s  %s\n", r.CorrelationID, describe(string(r.State.Status), r.State.Reason))
			continue
		}
		fmt.Printf("%s  error: %s\n", r.CorrelationID, claimerr.Sanitize(r.Err))
	}
}
