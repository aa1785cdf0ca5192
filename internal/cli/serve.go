package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ineyio/creditengine/internal/httpapi"
	"github.com/ineyio/creditengine/provider/fal"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)

	serveCmd.Flags().Bool("migrate", false, "Create missing tables before serving")
	serveCmd.Flags().String("jwks-url", fal.DefaultJWKSURL, "Where to fetch fal webhook keys when none are configured")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "Grace period for in-flight requests")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmdContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if doMigrate, _ := cmd.Flags().GetBool("migrate"); doMigrate {
		if err := a.Stores.Migrate(ctx); err != nil {
			return err
		}
	}

	if a.Verifier == nil {
		jwksURL, _ := cmd.Flags().GetString("jwks-url")
		if err := a.RefreshWebhookKeys(ctx, jwksURL); err != nil {
			// Serve anyway; fal callbacks are rejected until keys are configured.
			a.Logger.Error().Err(err).Msg("fal webhook keys unavailable")
		}
	}

	srv, err := httpapi.NewServer(a)
	if err != nil {
		return err
	}
	server := httpapi.NewHTTPServer(a.Config.Server, srv.Handler())

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.Config.Server.Addr).Msg("API listening")
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error().Err(err).Msg("failed to shutdown server")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger, job and orphan tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Stores.Migrate(cmdContext(cmd)); err != nil {
			return err
		}
		a.Logger.Info().
			Str("ledger", a.Config.Ledger.Driver).
			Str("registry", a.Config.Registry.Driver).
			Msg("schema up to date")
		return nil
	},
}
