package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/codealchemist/peer-meet/internal/logging"
	"github.com/codealchemist/peer-meet/internal/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var (
	flagListen string
	flagRate   float64
	flagBurst  int
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the signaling relay",
	Long: `Run the WebSocket relay participants use to find each other. Every frame a
participant sends is forwarded to everyone else in the same session.

Examples:
  peer-meet relay
  peer-meet relay --listen :9000 --rate 20 --burst 100`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	f := relayCmd.Flags()
	f.StringVar(&flagListen, "listen", "", "address to listen on")
	f.Float64Var(&flagRate, "rate", 0, "messages per second allowed per connection")
	f.IntVar(&flagBurst, "burst", 0, "message burst allowed per connection")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	opts := configOptions(cmd)
	opts.RelayListen = flagListen
	opts.RelayRate = flagRate
	opts.RelayBurst = flagBurst

	cfg, err := loadConfigOptions(opts)
	if err != nil {
		return err
	}

	logger := logging.With("component", "relay")

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	hub := relay.NewHub(relay.NewMetrics(reg), logger)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go hub.Run(ctx)

	limits := relay.DefaultLimits()
	limits.MessagesPerSecond = cfg.RelayRate
	limits.Burst = cfg.RelayBurst

	srv := &http.Server{
		Addr:              cfg.RelayListen,
		Handler:           relay.NewHandler(hub, limits, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.RelayListen)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("relay shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	cancel()
	<-hub.Done()
	return nil
}
