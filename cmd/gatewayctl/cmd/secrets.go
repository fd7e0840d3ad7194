package cmd

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/formbridge/gateway/pkg/api"
	"github.com/formbridge/gateway/pkg/secrets"
	"github.com/formbridge/gateway/pkg/storage"
	"github.com/formbridge/gateway/pkg/storage/postgres"
)

// openAdmin connects to the secret store. Replaced in tests.
var openAdmin = func(ctx context.Context, dsn string) (secrets.Admin, func(), error) {
	if dsn == "" {
		dsn = os.Getenv("GATEWAY_POSTGRES_DSN")
	}
	if dsn == "" {
		return nil, nil, errors.New("no secret store configured: pass --dsn or set GATEWAY_POSTGRES_DSN")
	}
	store, err := postgres.New(ctx, postgres.Config{DSN: dsn, MaxConns: 2, MinConns: 1})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

// secretView is the printable form of a credential.
type secretView struct {
	TenantID  string `json:"tenant_id" yaml:"tenant_id"`
	Version   string `json:"version" yaml:"version"`
	Status    string `json:"status" yaml:"status"`
	Value     string `json:"value" yaml:"value"`
	CreatedAt string `json:"created_at" yaml:"created_at"`
	ExpiresAt string `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`
}

func viewOf(c api.TenantCredential, reveal bool) secretView {
	v := secretView{
		TenantID:  c.TenantID,
		Version:   string(c.Version),
		Status:    string(c.Status),
		Value:     mask(c.Value),
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
	}
	if reveal {
		v.Value = c.Value
	}
	if !c.ExpiresAt.IsZero() {
		v.ExpiresAt = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// mask hides all but the last four characters of a secret.
func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}

// generateSecret returns 32 random bytes, hex encoded.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newSecretsCmd(opts *options) *cobra.Command {
	c := &cobra.Command{
		Use:   "secrets",
		Short: "Manage tenant signing secrets",
	}
	c.AddCommand(
		newSecretsPutCmd(opts),
		newSecretsPromoteCmd(opts),
		newSecretsRevokeCmd(opts),
		newSecretsGetCmd(opts),
	)
	return c
}

func newSecretsPutCmd(opts *options) *cobra.Command {
	var (
		value    string
		file     string
		version  string
		validFor time.Duration
	)
	c := &cobra.Command{
		Use:   "put <tenant-id>",
		Short: "Store a secret in the current or pending slot",
		Long: `Store a secret for a tenant. Without --value or --value-file a random
secret is generated and printed once.

To rotate, put the new secret in the pending slot, roll it out to the
client, then run "gatewayctl secrets promote".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if value != "" && file != "" {
				return errors.New("--value and --value-file are mutually exclusive")
			}
			generated := false
			switch {
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("reading secret file: %w", err)
				}
				value = strings.TrimSpace(string(data))
			case value == "":
				v, err := generateSecret()
				if err != nil {
					return fmt.Errorf("generating secret: %w", err)
				}
				value, generated = v, true
			}

			now := time.Now().UTC()
			var expires time.Time
			if validFor > 0 {
				expires = now.Add(validFor)
			}
			cred, err := api.NewTenantCredential(args[0], value, api.CredentialVersion(version), now, expires, api.StatusActive)
			if err != nil {
				return err
			}

			admin, closeFn, err := openAdmin(cmd.Context(), opts.dsn)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := admin.PutSecret(cmd.Context(), cred); err != nil {
				return fmt.Errorf("storing secret: %w", err)
			}

			view := viewOf(cred, generated)
			if ok, err := render(cmd.OutOrStdout(), opts.output, view); ok {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s stored %s secret for %s\n", okFmt("✓"), version, keyFmt(cred.TenantID))
			if generated {
				fmt.Fprintf(out, "  secret: %s\n", cred.Value)
				fmt.Fprintln(out, warnFmt("  This value is not shown again."))
			}
			return nil
		},
	}
	c.Flags().StringVar(&value, "value", "", "Secret value")
	c.Flags().StringVar(&file, "value-file", "", "Read the secret value from a file")
	c.Flags().StringVar(&version, "version", string(api.VersionCurrent), "Slot: current or pending")
	c.Flags().DurationVar(&validFor, "valid-for", 0, "Expire the secret after this duration (default: never)")
	return c
}

func newSecretsPromoteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "promote <tenant-id>",
		Short: "Make the pending secret current",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, closeFn, err := openAdmin(cmd.Context(), opts.dsn)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := admin.Promote(cmd.Context(), args[0]); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("tenant %s has no pending secret", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s promoted pending secret for %s\n", okFmt("✓"), keyFmt(args[0]))
			return nil
		},
	}
}

func newSecretsRevokeCmd(opts *options) *cobra.Command {
	var version string
	c := &cobra.Command{
		Use:   "revoke <tenant-id>",
		Short: "Revoke the secret in a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := api.CredentialVersion(version)
			if !v.Valid() {
				return fmt.Errorf("invalid version %q: want current or pending", version)
			}
			admin, closeFn, err := openAdmin(cmd.Context(), opts.dsn)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := admin.Revoke(cmd.Context(), args[0], v); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("tenant %s has no %s secret", args[0], version)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s revoked %s secret for %s\n", okFmt("✓"), version, keyFmt(args[0]))
			fmt.Fprintln(cmd.OutOrStdout(), dimFmt("  Gateways may accept it until their secret cache expires."))
			return nil
		},
	}
	c.Flags().StringVar(&version, "version", string(api.VersionCurrent), "Slot: current or pending")
	return c
}

func newSecretsGetCmd(opts *options) *cobra.Command {
	var reveal bool
	c := &cobra.Command{
		Use:   "get <tenant-id>",
		Short: "Show a tenant's stored secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, closeFn, err := openAdmin(cmd.Context(), opts.dsn)
			if err != nil {
				return err
			}
			defer closeFn()

			var views []secretView
			for _, v := range []api.CredentialVersion{api.VersionCurrent, api.VersionPending} {
				cred, err := admin.GetSecret(cmd.Context(), args[0], v)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				views = append(views, viewOf(cred, reveal))
			}
			if len(views) == 0 {
				return fmt.Errorf("tenant %s has no secrets", args[0])
			}

			if ok, err := render(cmd.OutOrStdout(), opts.output, views); ok {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-8s %-20s %s\n", "VERSION", "STATUS", "CREATED", "VALUE")
			for _, v := range views {
				status := okFmt(v.Status)
				if v.Status != string(api.StatusActive) {
					status = errFmt(v.Status)
				}
				fmt.Fprintf(out, "%-10s %-8s %-20s %s\n", v.Version, status, v.CreatedAt, v.Value)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&reveal, "reveal", false, "Print secret values instead of masking them")
	return c
}
