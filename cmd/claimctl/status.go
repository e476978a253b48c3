package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/exitcode"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <correlation-id>",
	Short: "Show a claim's pipeline stage and reason",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status and transitions as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	log := setup()
	ctx := context.Background()

	if cfg.DSN == "" {
		log.Error().Msg("--dsn or CLAIMFLOW_DB_URL is required")
		os.Exit(exitcode.UsageError)
	}

	pool, err := db.NewPool(ctx, cfg.DSN, false)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		os.Exit(exitcode.DBConnError)
	}
	defer pool.Close()

	st, err := db.NewClaimStore(pool).Get(ctx, args[0])
	if errors.Is(err, db.ErrNotFound) {
		fmt.Printf("%s  unknown\n", args[0])
		os.Exit(exitcode.ValidationError)
	}
	if err != nil {
		log.Error().Err(err).Msg("status lookup failed")
		os.Exit(exitcode.DBConnError)
	}

	if statusJSON {
		out := struct {
			Status      any `json:"status"`
			Transitions any `json:"transitions"`
		}{st.StatusView(), st.Transitions}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	v := st.StatusView()
	fmt.Printf("%s  %s  resumable=%t  updated=%s\n",
		v.CorrelationID, describe(string(v.Stage), v.Reason), v.Resumable, v.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
	for _, t := range st.Transitions {
		fmt.Printf("  %s  %-10s %-9s %s\n", t.At.Format("15:04:05"), t.Stage, t.Outcome, t.Reason)
	}
	return nil
}
