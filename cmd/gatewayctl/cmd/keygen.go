package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/formbridge/gateway/pkg/auth/token"
)

func newKeygenCmd() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an RSA key for signing context tokens",
		Long: `Generate a 2048-bit RSA private key in PEM form. Point
token.signing_key_file at it so context tokens survive gateway restarts.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := token.GenerateKey()
			if err != nil {
				return err
			}
			pemBytes := token.EncodeKey(key)
			if out == "" {
				_, err := cmd.OutOrStdout().Write(pemBytes)
				return err
			}
			if err := os.WriteFile(out, pemBytes, 0o600); err != nil {
				return fmt.Errorf("writing key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote key %s to %s\n", okFmt("✓"), keyFmt(token.KeyID(&key.PublicKey)), out)
			return nil
		},
	}
	c.Flags().StringVar(&out, "out", "", "Write the key to this file instead of stdout")
	return c
}
