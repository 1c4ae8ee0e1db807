package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/BioHazard786/peerlink/internal/config"
	"github.com/BioHazard786/peerlink/internal/logging"
	"github.com/BioHazard786/peerlink/internal/relay"
	"github.com/BioHazard786/peerlink/internal/server"
	"github.com/BioHazard786/peerlink/internal/version"
)

var opts config.ServerOptions

var rootCmd = &cobra.Command{
	Use:     "peerlink-relay",
	Short:   "Room-based signaling relay for peerlink and browser peers",
	Version: version.Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&opts.ListenAddr, "listen", "l", "", "Listen address (env: LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&opts.TLSCertFile, "cert", "", "TLS certificate file (env: TLS_CERT_FILE)")
	rootCmd.Flags().StringVar(&opts.TLSKeyFile, "key", "", "TLS key file (env: TLS_KEY_FILE)")
	rootCmd.Flags().StringSliceVar(&opts.AllowedOrigins, "origin", nil, "Allowed CORS origin, repeatable (env: ALLOWED_ORIGINS)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceUsage = true
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	l := logging.Init(zerolog.InfoLevel)

	cfg, err := config.LoadServer(opts)
	if err != nil {
		return err
	}

	hub := relay.NewHub(relay.NewRegistry(nil), l)
	go hub.Run()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.NewRouter(cfg, hub, l),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		l.Info().Str("addr", cfg.ListenAddr).Bool("tls", cfg.TLSEnabled()).Msg("Starting signaling relay")
		var err error
		if cfg.TLSEnabled() {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		l.Error().Err(err).Msg("Failed to start server")
		hub.Stop()
		return err
	case <-ctx.Done():
	}

	l.Info().Msg("Shutting down relay...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		l.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	l.Info().Msg("Relay exited")
	return nil
}
