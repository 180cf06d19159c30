package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/lectern/internal/auth"
	"github.com/MarcoPoloResearchLab/lectern/internal/config"
	"github.com/MarcoPoloResearchLab/lectern/internal/database"
	"github.com/MarcoPoloResearchLab/lectern/internal/logging"
	"github.com/MarcoPoloResearchLab/lectern/internal/segments"
	"github.com/MarcoPoloResearchLab/lectern/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newRelayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run the classroom relay (live sync rooms and speech segment storage)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cmd.Context())
		},
	}
}

func newTokenIssuer(relayConfig config.RelayConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(relayConfig.SigningSecret),
		Issuer:        relayConfig.TokenIssuer,
		Audience:      relayConfig.TokenAudience,
		TokenTTL:      relayConfig.TokenTTL,
	})
}

func runRelay(ctx context.Context) error {
	relayConfig, err := config.LoadRelay(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(relayConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(relayConfig.DatabasePath, logger, database.RelaySchema())
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := newTokenIssuer(relayConfig)
	if err != nil {
		return err
	}

	segmentsService, err := segments.NewService(segments.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: segments.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:   tokenManager,
		Segments:       segmentsService,
		Hub:            server.NewHub(),
		Logger:         logger,
		MaxUploadBytes: relayConfig.MaxUploadBytes,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              relayConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay starting", zap.String("address", relayConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("relay shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
