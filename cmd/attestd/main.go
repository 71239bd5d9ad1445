// attestd is the capability attestation service: it mints and verifies
// Ed25519 compact tokens and sealed passports, tracks revocations, and fronts
// an external identity provider for issuance authentication.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/trustplane/attest/pkg/api"
	"github.com/trustplane/attest/pkg/config"
	"github.com/trustplane/attest/pkg/crypto"
	"github.com/trustplane/attest/pkg/jwks"
	"github.com/trustplane/attest/pkg/ledger"
	"github.com/trustplane/attest/pkg/observability"
	"github.com/trustplane/attest/pkg/server"
	"github.com/trustplane/attest/pkg/token"
)

func main() {
	root := &cobra.Command{
		Use:           "attestd",
		Short:         "Capability attestation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), keygenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var otlpEndpoint string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the attestation HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			profile, err := config.LoadProfile(cfg.ProfilePath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			obsCfg := observability.DefaultConfig()
			obsCfg.Environment = cfg.Env
			if otlpEndpoint != "" {
				obsCfg.Enabled = true
				obsCfg.OTLPEndpoint = otlpEndpoint
			}
			obs, err := observability.New(ctx, obsCfg)
			if err != nil {
				return err
			}
			defer func() { _ = obs.Shutdown(context.Background()) }()

			signer, err := loadSigner(cfg)
			if err != nil {
				return err
			}
			keyring := crypto.NewKeyRing(signer)

			store, err := openLedger(cfg)
			if err != nil {
				return err
			}
			if err := store.RegisterKey(ctx, &ledger.KeyRecord{
				KID:    signer.KID,
				Alg:    token.AlgEd25519,
				Status: ledger.KeyStatusActive,
			}); err != nil {
				return err
			}

			var auth server.ExternalAuth
			if cfg.Auth0Domain != "" {
				cache := jwks.NewCache(cfg.Auth0Domain)
				auth = jwks.NewVerifier(cache, cfg.Auth0Audience,
					fmt.Sprintf("https://%s/", cfg.Auth0Domain))
			} else if !cfg.Development() {
				return fmt.Errorf("AUTH0_DOMAIN is required outside development")
			}

			var limiter api.LimiterStore
			if cfg.RedisAddr != "" {
				limiter = api.NewRedisLimiterStore(cfg.RedisAddr, "", 0)
			} else {
				limiter = api.NewMemoryLimiterStore()
			}

			srv, err := server.New(server.Options{
				Config:   cfg,
				Profile:  profile,
				KeyRing:  keyring,
				Ledger:   store,
				Auth:     auth,
				Limiter:  limiter,
				Observer: obs,
			})
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint (enables telemetry)")
	return cmd
}

func keygenCmd() *cobra.Command {
	var (
		out string
		kid int
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key file",
		RunE: func(_ *cobra.Command, _ []string) error {
			signer, err := crypto.NewSigner(kid)
			if err != nil {
				return err
			}
			if err := crypto.WriteKeyFile(out, signer.Seed()); err != nil {
				return err
			}
			slog.Info("signing key written", "path", out, "kid", kid, "vk_b64", signer.PublicKeyBase64())
			return nil
		},
	}

	cmd.Flags().StringVar(&out, "out", "attest_signing.key", "key file path (written 0600)")
	cmd.Flags().IntVar(&kid, "kid", 1, "key identifier")
	return cmd
}

func loadSigner(cfg *config.Config) (*crypto.Signer, error) {
	if cfg.SigningKeyB64 != "" {
		return crypto.NewSignerFromBase64(cfg.SigningKeyB64, 1)
	}
	return crypto.LoadOrGenerateSigner(cfg.KeyPath, 1, cfg.Development())
}

func openLedger(cfg *config.Config) (ledger.Ledger, error) {
	if cfg.DatabaseURL != "" {
		return ledger.OpenPostgres(cfg.DatabaseURL)
	}
	return ledger.OpenSQLite(cfg.SQLitePath)
}
