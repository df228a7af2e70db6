package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/UkralStul/collab-doc-service/internal/config"
	"github.com/UkralStul/collab-doc-service/internal/httpapi"
	"github.com/UkralStul/collab-doc-service/internal/storage"
	"github.com/UkralStul/collab-doc-service/internal/storage/inmemory"
	"github.com/UkralStul/collab-doc-service/internal/storage/postgres"
)

var seed bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and event streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store, err := openStorage(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close storage")
			}
		}()

		if seed {
			if err := fillWithMockData(ctx, store); err != nil {
				return err
			}
		}

		limit, err := cfg.Server.BodyLimit()
		if err != nil {
			return err
		}
		router := httpapi.NewRouter(store, httpapi.Options{
			MaxBodySize:  limit,
			PingInterval: cfg.Server.WSPingInterval,
			Logger:       log,
		})
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info().Str("addr", cfg.Server.Addr).Str("storage", cfg.Storage.Type).Msg("server started")
			log.Info().Str("playground", "/").Str("endpoint", "/query").Msg("graphql enabled")
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&seed, "seed", false, "create a demo document with comment threads")
	rootCmd.AddCommand(serveCmd)
}

func openStorage(ctx context.Context, c *config.Config) (storage.Storage, error) {
	switch c.Storage.Type {
	case config.StoragePostgres:
		log.Info().Msg("using postgres storage")
		return postgres.New(ctx, postgres.Options{
			DSN:     c.Storage.DatabaseURL,
			Channel: c.Storage.NotifyChannel,
			Logger:  log,
		})
	default:
		log.Info().Msg("using in-memory storage")
		return inmemory.New(log), nil
	}
}
