package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/pipeline"
)

var (
	resumeAll   bool
	resumeLimit int
)

var resumeCmd = &cobra.Command{
	Use:   "resume [correlation-id]...",
	Short: "Resume claims parked at a resumable failure",
	RunE:  runResume,
}

func init() {
	f := resumeCmd.Flags()
	f.BoolVar(&resumeAll, "all", false, "Resume every resumable claim")
	f.IntVar(&resumeLimit, "limit", 100, "Maximum claims to resume with --all")
	f.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	log := setup()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if resumeAll == (len(args) > 0) {
		log.Error().Msg("pass correlation ids or --all, not both")
		os.Exit(exitcode.UsageError)
	}
	if err := cfg.ValidateSubmit(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.UsageError)
	}

	s := buildStack(ctx, log, true)
	defer s.Close()
	defer s.serveMetrics(metricsAddr)()

	var results []pipeline.Result
	if resumeAll {
		var err error
		results, err = s.orchestrator.ResumePending(ctx, resumeLimit)
		if err != nil {
			log.Error().Err(err).Msg("listing resumable claims failed")
			os.Exit(exitcode.DBConnError)
		}
		log.Info().Int("claims", len(results)).Msg("resumed pending claims")
	} else {
		for _, id := range args {
			st, err := s.orchestrator.Resume(ctx, id)
			results = append(results, pipeline.Result{CorrelationID: id, State: st, Err: err})
		}
	}

	printResults(results)
	codes := make([]int, len(results))
	for i, r := range results {
		codes[i] = claimExit(r)
	}
	if code := batchExit(codes); code != exitcode.Success {
		os.Exit(code)
	}
	return nil
}
