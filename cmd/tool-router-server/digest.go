package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/triage-ai/palisade/services/tool_router/internal/contract"
)

func newDigestCmd(f *rootFlags) *cobra.Command {
	var attest bool
	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Print the server digest, optionally attested",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			reg, _, err := catalogRegistry(cfg, mustBuildLogger(cfg.LogLevel, true))
			if err != nil {
				return err
			}
			sd := contract.ComputeServerDigest(contract.MaterializeAll(reg.Builders()))

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if !attest {
				return enc.Encode(sd)
			}
			if cfg.AttestationSecret == "" {
				return errors.New("--attest needs attestation_secret (TOOL_ROUTER_ATTESTATION_SECRET)")
			}
			signer, err := contract.NewHMACSigner([]byte(cfg.AttestationSecret))
			if err != nil {
				return err
			}
			att, err := contract.AttestServerDigest(cmd.Context(), sd, signer)
			if err != nil {
				return err
			}
			return enc.Encode(att)
		},
	}
	cmd.Flags().BoolVar(&attest, "attest", false, "sign the digest with the attestation secret")
	return cmd
}
