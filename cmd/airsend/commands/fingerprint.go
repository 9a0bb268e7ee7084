package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"airsend/identity"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's certificate fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := ensureIdentity()
			if err != nil {
				return err
			}
			fmt.Println(identity.FormatFingerprint(ident.Fingerprint))
			return nil
		},
	}
}

func resetIdentityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-identity",
		Short: "Discard the certificate and generate a new identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := idManager.ForceRegenerate()
			if err != nil {
				return fmt.Errorf("regenerate identity: %w", err)
			}
			fmt.Printf("new fingerprint: %s\n", identity.FormatFingerprint(ident.Fingerprint))
			return nil
		},
	}
}
