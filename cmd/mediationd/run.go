package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	"github.com/coachpo/mediation/internal/config"
	"github.com/coachpo/mediation/internal/demux"
	"github.com/coachpo/mediation/internal/httpapi"
	"github.com/coachpo/mediation/internal/mediation"
	"github.com/coachpo/mediation/internal/observability"
	"github.com/coachpo/mediation/internal/telemetry"
)

const (
	adminReadHeaderTimeout   = 5 * time.Second
	adminShutdownTimeout     = 5 * time.Second
	mediatorShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

type runOptions struct {
	requests    int
	concurrency int
	timeout     time.Duration
	metricsAddr string
	serve       bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Issue concurrent ad requests against every configured network and report the outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			cfg, err := loadConfig(ctx, root)
			if err != nil {
				return err
			}
			if opts.metricsAddr != "" {
				cfg.MetricsAddr = opts.metricsAddr
			}
			return run(ctx, cmd, cfg, opts)
		},
	}
	cmd.Flags().IntVar(&opts.requests, "requests", 8, "Ad requests issued per network")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "Maximum concurrent requests per network")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Per-request deadline for each lifecycle stage")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve admin and Prometheus endpoints on this address (overrides metricsAddr)")
	cmd.Flags().BoolVar(&opts.serve, "serve", false, "Keep serving admin endpoints after the run until interrupted")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, cfg config.AppConfig, opts *runOptions) error {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	logger.Info("configuration initialised",
		observability.F("env", string(cfg.Environment)),
		observability.F("networks", len(cfg.Networks)))

	telemetryProvider, err := initTelemetry(ctx, logger, cfg)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := demux.NewMetrics(registry)

	mediator, err := mediation.NewMediator(ctx, cfg, mediation.DefaultRegistry(),
		mediation.WithLogger(logger),
		mediation.WithMetrics(metrics))
	if err != nil {
		shutdown(logger, nil, nil, nil, telemetryProvider)
		return fmt.Errorf("build mediator: %w", err)
	}

	var lifecycle conc.WaitGroup
	var adminServer *http.Server
	if cfg.MetricsAddr != "" {
		adminServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           httpapi.NewHandler(mediator, registry, logger),
			ReadHeaderTimeout: adminReadHeaderTimeout,
		}
		lifecycle.Go(func() {
			if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server", observability.F("error", err))
			}
		})
		logger.Info("admin endpoints listening", observability.F("addr", cfg.MetricsAddr))
	}

	summary := simulate(ctx, mediator, opts)
	report := struct {
		Summary  []networkSummary     `json:"summary"`
		Bindings []mediation.Snapshot `json:"bindings"`
	}{
		Summary:  summary,
		Bindings: mediator.Snapshots(),
	}
	if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
		logger.Error("write report", observability.F("error", err))
	}

	if opts.serve && adminServer != nil {
		logger.Info("run complete; serving admin endpoints until interrupted")
		<-ctx.Done()
	}
	shutdown(logger, adminServer, &lifecycle, mediator, telemetryProvider)
	return nil
}

func initTelemetry(ctx context.Context, logger observability.Logger, cfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Telemetry.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	}
	if cfg.Telemetry.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.Telemetry.ServiceName
	}
	telemetryCfg.Environment = string(cfg.Environment)
	telemetryCfg.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.Telemetry.EnableMetrics
	telemetryCfg.Enabled = telemetryCfg.Enabled || cfg.Telemetry.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry initialized",
			observability.F("endpoint", telemetryCfg.OTLPEndpoint),
			observability.F("service", telemetryCfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func shutdown(logger observability.Logger, server *http.Server, lifecycle *conc.WaitGroup, mediator *mediation.Mediator, provider *telemetry.Provider) {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", observability.F("step", name), observability.F("error", err))
			return
		}
		logger.Debug("shutdown step completed", observability.F("step", name))
	}

	if mediator != nil {
		step("closing mediator", mediatorShutdownTimeout, mediator.Close)
	}
	if server != nil {
		step("stopping admin server", adminShutdownTimeout, server.Shutdown)
	}
	if lifecycle != nil {
		lifecycle.Wait()
	}
	if provider != nil {
		step("shutting down telemetry", telemetryShutdownTimeout, provider.Shutdown)
	}
}
