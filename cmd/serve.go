package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/slidecast/slidecast/internal/config"
	"github.com/slidecast/slidecast/internal/logging"
	"github.com/slidecast/slidecast/internal/relay"
)

var flagListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay server",
	Long: `Run the relay that presenters and viewers use to exchange
connection-setup handshakes. No presentation data flows through it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	logging.Init(true)

	cfg, err := config.Load(config.Options{ListenAddr: flagListenAddr})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := relay.NewRegistry(relay.NewMemoryStore(), cfg.Server.GracePeriod)
	hub := relay.NewHub(registry)
	go hub.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: relay.Handler(hub),
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		srv.Shutdown(context.Background())
	}()

	slog.Info("starting signaling relay", "addr", cfg.Server.ListenAddr,
		"grace_period", cfg.Server.GracePeriod)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListenAddr, "listen", "l", "", "Listen address")
}
