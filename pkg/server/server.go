// Package server is the attestation service facade. It composes the token
// issuer, passport engine, lease manager, revocation ledger, and external JWT
// verification behind a small HTTP surface with graceful drain.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/trustplane/attest/pkg/api"
	"github.com/trustplane/attest/pkg/config"
	"github.com/trustplane/attest/pkg/crypto"
	"github.com/trustplane/attest/pkg/ledger"
	"github.com/trustplane/attest/pkg/lease"
	"github.com/trustplane/attest/pkg/observability"
	"github.com/trustplane/attest/pkg/passport"
	"github.com/trustplane/attest/pkg/receipt"
	"github.com/trustplane/attest/pkg/token"
)

// ExternalAuth authenticates callers of the issuance endpoint. Satisfied by
// jwks.Verifier; nil disables authentication (development only).
type ExternalAuth interface {
	Verify(ctx context.Context, tokenString string) (jwt.MapClaims, error)
}

// Options bundles the facade's dependencies.
type Options struct {
	Config   *config.Config
	Profile  *config.Profile
	KeyRing  *crypto.KeyRing
	Ledger   ledger.Ledger
	Auth     ExternalAuth
	Limiter  api.LimiterStore
	Observer *observability.Provider
	Logger   *slog.Logger
}

// Server wires the attestation components behind the HTTP facade.
type Server struct {
	cfg      *config.Config
	profile  *config.Profile
	keyring  *crypto.KeyRing
	tokens   *token.Issuer
	engine   *passport.Engine
	leases   *lease.Manager
	receipts *receipt.Issuer
	ledger   ledger.Ledger
	auth     ExternalAuth
	limiter  api.LimiterStore
	obs      *observability.Provider
	logger   *slog.Logger
}

// New constructs a server from its dependencies.
func New(opts Options) (*Server, error) {
	if opts.Config == nil || opts.KeyRing == nil || opts.Ledger == nil {
		return nil, errors.New("server requires config, keyring, and ledger")
	}
	profile := opts.Profile
	if profile == nil {
		profile = config.DefaultProfile()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := opts.Observer
	if obs == nil {
		var err error
		obs, err = observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
	}

	grace := time.Duration(profile.Lease.GraceS) * time.Second
	leases := lease.NewManagerWithGrace(grace)
	leases.Observe(obs)
	return &Server{
		cfg:      opts.Config,
		profile:  profile,
		keyring:  opts.KeyRing,
		tokens:   token.NewIssuer(opts.Config.Issuer, opts.KeyRing, opts.Config.MetricsSecret),
		engine:   passport.NewEngineWithRing(opts.KeyRing, opts.Config.CommitKey),
		leases:   leases,
		receipts: receipt.NewIssuer(opts.Config.AuditKey),
		ledger:   opts.Ledger,
		auth:     opts.Auth,
		limiter:  opts.Limiter,
		obs:      obs,
		logger:   logger,
	}, nil
}

// Leases exposes the lease manager for embedding callers.
func (s *Server) Leases() *lease.Manager { return s.leases }

// Handler builds the route table composed with the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /did", s.handleDID)
	mux.HandleFunc("POST /issue", s.handleIssue)
	mux.HandleFunc("POST /verify", s.handleVerify)
	mux.HandleFunc("POST /revoke", s.handleRevoke)
	mux.HandleFunc("POST /attest/verify", s.handleAttestVerify)

	limit := api.LimitPolicy{RPM: s.profile.RateLimit.RPM, Burst: s.profile.RateLimit.Burst}
	return api.Chain(mux,
		api.CorrelationIDMiddleware,
		api.LoggingMiddleware,
		api.RateLimitMiddleware(s.limiter, limit),
	)
}

// Run serves until ctx is cancelled, then drains in-flight requests and sweeps
// down the lease janitor.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sweepDone := make(chan struct{})
	go s.sweepLoop(ctx, sweepDone)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("attestation server listening", "addr", srv.Addr, "issuer", s.cfg.Issuer)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.profile.DrainGrace)*time.Second)
	defer cancel()

	err := srv.Shutdown(drainCtx)
	<-sweepDone
	if closeErr := s.ledger.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	s.logger.Info("attestation server stopped")
	return err
}

// sweepLoop periodically evicts expired leases and aged-out used-set entries.
func (s *Server) sweepLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(s.profile.Lease.SweepIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.leases.Sweep(); removed > 0 {
				s.logger.Debug("lease sweep", "removed", removed, "used_retained", s.leases.UsedCount())
			}
		}
	}
}
