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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/foldspace/paygate"
	"github.com/foldspace/paygate/chain"
	"github.com/foldspace/paygate/config"
	"github.com/foldspace/paygate/detect"
	"github.com/foldspace/paygate/facilitator"
	"github.com/foldspace/paygate/httpapi"
	"github.com/foldspace/paygate/notify"
	"github.com/foldspace/paygate/provider"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := paygate.NewMemoryStore()
	facilitatorClient := facilitator.NewHTTPClient(facilitator.Config{
		URL:    cfg.FacilitatorURL,
		APIKey: cfg.FacilitatorAPIKey,
	})
	providerClient := provider.NewClient(provider.Config{
		URL:    cfg.ProviderURL,
		APIKey: cfg.ProviderAPIKey,
	})

	pricing := paygate.PricingConfig{
		Scheme:         cfg.PaymentScheme,
		Network:        paygate.Network(cfg.PaymentNetwork),
		Asset:          cfg.PaymentAsset,
		PayTo:          cfg.PaymentAddress,
		PerSecondRate:  cfg.PerSecondRate,
		ResourceURL:    cfg.ResourceURL,
		Description:    cfg.ResourceDescription,
		MimeType:       cfg.ResourceMimeType,
		TimeoutSeconds: cfg.PaymentTimeout,
	}

	opts := []paygate.OrchestratorOption{
		paygate.WithLogger(logger.With().Str("component", "orchestrator").Logger()),
		paygate.WithPollInterval(cfg.PollInterval),
	}
	if cfg.WebhookURL != "" {
		opts = append(opts, paygate.WithNotifier(notify.NewWebhook(cfg.WebhookURL, 0)))
	}

	orchestrator, err := paygate.NewOrchestrator(store, facilitatorClient, providerClient, pricing, opts...)
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	if cfg.ListenerEnabled {
		endpoints := cfg.RPCEndpoints()
		factory := func(network paygate.Network) (paygate.ChainClient, error) {
			url, ok := endpoints[string(network)]
			if !ok {
				return nil, fmt.Errorf("no RPC endpoint configured for network %s", network)
			}
			dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return chain.Dial(dialCtx, url)
		}

		engine := detect.NewEngine(orchestrator, factory,
			detect.WithInterval(cfg.ListenerInterval),
			detect.WithConfirmationBlocks(cfg.ListenerConfirmations),
			detect.WithLogger(logger.With().Str("component", "detect").Logger()),
			detect.WithRegisterer(registry),
		)
		defer engine.Close()

		orchestrator.OnCreated(func(session *paygate.Session) {
			if err := engine.RegisterPayment(session); err != nil {
				logger.Warn().Str("session_id", session.ID).Err(err).Msg("failed to watch session")
			}
		})
		orchestrator.OnTerminal(func(session *paygate.Session) {
			engine.Release(session)
		})
	}

	api := httpapi.New(orchestrator, logger.With().Str("component", "http").Logger(), registry)
	server := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
