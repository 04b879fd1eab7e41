package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/szibis/audit-relay/internal/breaker"
	"github.com/szibis/audit-relay/internal/buffer"
	"github.com/szibis/audit-relay/internal/config"
	"github.com/szibis/audit-relay/internal/exporter"
	"github.com/szibis/audit-relay/internal/health"
	"github.com/szibis/audit-relay/internal/logging"
	"github.com/szibis/audit-relay/internal/queue"
	"github.com/szibis/audit-relay/internal/receiver"
	"github.com/szibis/audit-relay/internal/relay"
	"github.com/szibis/audit-relay/internal/stats"
	"github.com/szibis/audit-relay/internal/telemetry"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logging.SetResource(map[string]string{
		"service.name":    "audit-relay",
		"service.version": config.Version(),
	})

	// GOMEMLIMIT from the container cgroup limit; no-op outside containers.
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(cfg.MemoryLimitRatio),
		memlimit.WithProvider(memlimit.FromCgroupHybrid),
	); err != nil {
		logging.Warn("failed to set GOMEMLIMIT from cgroup", logging.F("error", err.Error()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := telemetry.Init(ctx, cfg.TelemetryConfig(), "audit-relay", config.Version())
	if err != nil {
		logging.Fatal("failed to initialize telemetry", logging.F("error", err.Error()))
	}
	if tel.Enabled() {
		logging.SetHook(tel.NewLogHook())
		logging.Info("self-telemetry enabled", logging.F(
			"endpoint", cfg.TelemetryEndpoint,
			"protocol", cfg.TelemetryProtocol,
		))
	}

	exp, err := exporter.New(cfg.ExporterConfig())
	if err != nil {
		logging.Fatal("failed to create delivery client", logging.F("error", err.Error()))
	}

	buf := buffer.New(cfg.MaxBufferSize)
	retryQueue := queue.New(cfg.MaxRetryQueueSize)
	brk := breaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerResetTimeout)
	collector := stats.NewCollector(cfg.StatsExpectedIDs, cfg.StatsFalsePositiveRate)

	rel := relay.New(cfg.RelayConfig(), buf, brk, exp, retryQueue, collector)
	rel.Start()

	go collector.StartPeriodicLogging(ctx, cfg.StatsLogInterval, cfg.StatsCardinalityReset)

	checker := health.New()
	checker.SetStatusFunc(func() interface{} { return rel.Status() })
	checker.RegisterReadiness("circuit_breaker", func() error {
		if rel.Breaker().State() == breaker.StateOpen {
			return errors.New("circuit breaker open")
		}
		return nil
	})
	checker.RegisterReadiness("buffer", func() error {
		if rel.BufferSaturated(0.9) {
			return errors.New("record buffer saturated")
		}
		return nil
	})
	checker.RegisterReadiness("retry_queue", func() error {
		if rel.RetryQueueFull() {
			return errors.New("retry queue full")
		}
		return nil
	})

	ingestReceiver, err := receiver.New(cfg.ReceiverConfig(), rel)
	if err != nil {
		logging.Fatal("failed to create receiver", logging.F("error", err.Error()))
	}

	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/live", checker.LiveHandler())
	statusMux.HandleFunc("/ready", checker.ReadyHandler())
	statusMux.HandleFunc("/status", checker.StatusHandler())
	statusMux.Handle("/metrics", promhttp.Handler())
	statusServer := &http.Server{
		Addr:    cfg.StatsAddr,
		Handler: statusMux,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ingestReceiver.Start()
	})
	g.Go(func() error {
		logging.Info("status endpoint started", logging.F("addr", cfg.StatsAddr))
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	logging.Info("audit-relay started", logging.F(
		"listen", cfg.ReceiverListenAddr,
		"endpoint", cfg.Endpoint,
		"stats_addr", cfg.StatsAddr,
		"max_buffer_size", cfg.MaxBufferSize,
		"max_retry_queue_size", cfg.MaxRetryQueueSize,
	))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- g.Wait()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logging.Info("shutting down", logging.F("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			logging.Error("server error, shutting down", logging.F("error", err.Error()))
		}
	}

	checker.SetShuttingDown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := ingestReceiver.Stop(shutdownCtx); err != nil {
		logging.Warn("receiver shutdown error", logging.F("error", err.Error()))
	}
	if err := rel.Close(); err != nil {
		logging.Warn("relay shutdown error", logging.F("error", err.Error()))
	}
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn("status server shutdown error", logging.F("error", err.Error()))
	}
	cancel()

	telCtx, telCancel := context.WithTimeout(context.Background(), tel.ShutdownTimeout())
	defer telCancel()
	if err := tel.Shutdown(telCtx); err != nil {
		logging.Warn("telemetry shutdown error", logging.F("error", err.Error()))
	}

	logging.Info("shutdown complete")
}
