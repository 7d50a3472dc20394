package billing

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/storytimehq/storytime-billing/internal/billing/auth"
	"github.com/storytimehq/storytime-billing/internal/billing/store"
	stripesvc "github.com/storytimehq/storytime-billing/internal/billing/stripe"
	"github.com/storytimehq/storytime-billing/internal/logging"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
	})

	log.Info().Str("version", version).Msg("Starting StoryTime billing service")

	if err := os.MkdirAll(cfg.BillingDir(), 0o755); err != nil {
		return fmt.Errorf("create billing dir: %w", err)
	}

	st, err := store.New(cfg.BillingDir())
	if err != nil {
		return fmt.Errorf("open billing store: %w", err)
	}
	defer st.Close()

	verifier, err := auth.NewVerifier(cfg.AuthJWTSecret)
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	stripelib.Key = cfg.StripeSecretKey

	engine := stripesvc.NewEngine(st, cfg.PlanCatalog)
	resolver := stripesvc.NewCustomerResolver(st)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:   cfg,
		Store:    st,
		Verifier: verifier,
		Engine:   engine,
		Resolver: resolver,
		Version:  version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reconciler := stripesvc.NewReconciler(st, engine, cfg.ReconcileInterval)
	go reconciler.Run(ctx)

	// Start server in background
	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing service stopped")
	return nil
}
