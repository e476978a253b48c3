package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/exitcode"
	"github.com/gyeh/claimflow/internal/registry"
	"github.com/gyeh/claimflow/internal/signer"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <correlation-id>",
	Short: "Verify a signed claim against its facility's public key",
	Args:  cobra.ExactArgs(1),
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	log := setup()
	ctx := context.Background()

	if err := cfg.ValidatePlan(); err != nil {
		log.Error().Err(err).Msg("config validation failed")
		os.Exit(exitcode.UsageError)
	}

	reg, err := registry.LoadFile(cfg.Registry.FacilitiesFile)
	if err != nil {
		log.Error().Err(err).Msg("facility registry load failed")
		os.Exit(exitcode.ValidationError)
	}

	pool, err := db.NewPool(ctx, cfg.DSN, false)
	if err != nil {
		log.Error().Err(err).Msg("database connection failed")
		os.Exit(exitcode.DBConnError)
	}
	defer pool.Close()

	st, err := db.NewClaimStore(pool).Get(ctx, args[0])
	if err != nil {
		log.Error().Err(err).Msg("claim lookup failed")
		os.Exit(exitcode.ValidationError)
	}
	if st.Signed == nil {
		log.Error().Str("stage", string(st.Status)).Msg("claim has not been signed")
		os.Exit(exitcode.ValidationError)
	}

	f, err := reg.Facility(ctx, st.Signed.SigningFacilityID)
	if err != nil {
		log.Error().Err(err).Msg("facility lookup failed")
		os.Exit(exitcode.ValidationError)
	}
	path, err := signer.ContainedPath(cfg.Signer.KeyBaseDir, f.PublicKeyPath)
	if err != nil {
		log.Error().Err(err).Str("facility_id", f.ID).Msg("public key unavailable")
		os.Exit(exitcode.ValidationError)
	}
	pub, err := signer.LoadPublicKey(path)
	if err != nil {
		log.Error().Err(err).Str("facility_id", f.ID).Msg("public key unavailable")
		os.Exit(exitcode.ValidationError)
	}

	if err := signer.Verify(st.Signed, pub); err != nil {
		fmt.Printf("%s  signature INVALID: %v\n", st.CorrelationID, err)
		os.Exit(exitcode.SignatureInvalid)
	}
	fmt.Printf("%s  signature OK (%s, key %s)\n", st.CorrelationID, st.Signed.Signature.Algorithm, st.Signed.Signature.KeyID)
	return nil
}
