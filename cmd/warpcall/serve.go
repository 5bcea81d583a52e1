package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BioHazard786/warpcall/internal/config"
	"github.com/BioHazard786/warpcall/internal/logging"
	"github.com/BioHazard786/warpcall/internal/server"
	"github.com/BioHazard786/warpcall/internal/signaling"
)

var serveOpts config.ServerOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay",
	Long: `Run the signaling relay.

Clients connect to /ws with optional id, name and codec query parameters.
GET /users returns the presence snapshot and GET /health reports liveness.

Examples:
  warpcall serve
  warpcall serve --addr :9000 --offer-timeout 45s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadServer(serveOpts)
	if err != nil {
		return err
	}
	log := logging.Init(cfg.LogLevel, cfg.LogFormat, slog.LevelInfo)

	hub := signaling.NewHub(cfg.Signaling(), signaling.WithLogger(log))
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.NewHandler(hub, server.Options{AllowedOrigins: cfg.Origins(), Logger: log}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting signaling server", "addr", cfg.Addr, "offer_timeout", cfg.OfferTimeout)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("signaling server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down gracefully")
	case err := <-errChan:
		return err
	}

	// Stopping the hub closes every websocket, which lets Shutdown finish.
	stopHub()
	<-hub.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("server stopped cleanly")
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveOpts.Addr, "addr", "a", "", "Listen address (default :8080)")
	serveCmd.Flags().DurationVar(&serveOpts.OfferTimeout, "offer-timeout", 0, "How long an offer may ring (default 30s)")
	serveCmd.Flags().StringVar(&serveOpts.AllowedOrigins, "allowed-origins", "", "Comma separated browser origins allowed to connect")
	serveCmd.Flags().StringVar(&serveOpts.LogLevel, "log-level", "", "debug, info, warn or error")
}
