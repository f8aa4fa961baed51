// Command durable-agent runs a durable node without application handlers.
//
// It registers the node, relays the outbox, runs the scheduler and the
// leader-elected maintenance duties and serves Prometheus metrics. Routing,
// endpoints and the error policy come from the file named by
// DURABLE_ROUTING_FILE.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velmie/durable"
	"github.com/velmie/durable/cmd/internal/bootstrap"
	"github.com/velmie/durable/config"
	"github.com/velmie/durable/logging"
	"github.com/velmie/durable/prommetrics"
	"github.com/velmie/durable/redisstream"
)

const exitUsage = 2

func main() {
	var (
		envFile string
		migrate bool
	)
	flag.StringVar(&envFile, "env-file", "", "dotenv file to load (default .env when present)")
	flag.BoolVar(&migrate, "migrate", false, "create missing tables before starting")
	flag.Parse()

	var files []string
	if envFile != "" {
		files = append(files, envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitUsage)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, migrate); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, migrate bool) error {
	logger := logging.Logrus(bootstrap.Logger(cfg, "agent"))

	store, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if migrate {
		if err := bootstrap.Migrate(ctx, store.Store); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := runtimeOptions(cfg, logger, prommetrics.New(reg))
	if err != nil {
		return err
	}
	rt, err := durable.New(store, opts...)
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsHandler(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case <-rt.Done():
		runErr = errors.New("durable runtime stopped unexpectedly")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()

	return errors.Join(runErr, rt.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
}

// runtimeOptions maps the process config and routing file onto runtime options.
func runtimeOptions(cfg config.Config, logger durable.Logger, metrics durable.Metrics) ([]durable.Option, error) {
	opts := []durable.Option{
		durable.WithServiceName(cfg.ServiceName),
		durable.WithLogger(logger),
		durable.WithMetrics(metrics),
		durable.WithHeartbeatInterval(cfg.HeartbeatInterval),
		durable.WithLeaseTTL(cfg.LeaseTTL),
		durable.WithNodeTimeout(cfg.NodeTimeout),
		durable.WithCleanupInterval(cfg.CleanupInterval),
		durable.WithShutdownGrace(cfg.ShutdownGrace),
		durable.WithRelay(durable.RelayConfig{
			BatchSize:       cfg.RelayBatchSize,
			PollInterval:    cfg.RelayPollInterval,
			Workers:         cfg.RelayWorkers,
			PendingInterval: cfg.RelayPollInterval * 10,
		}),
		durable.WithScheduler(durable.SchedulerConfig{BatchSize: cfg.SchedulerBatchSize}),
	}
	if cfg.RoutingFile == "" {
		return opts, nil
	}

	routing, err := config.LoadRouting(cfg.RoutingFile)
	if err != nil {
		return nil, err
	}
	routed, err := routing.RuntimeOptions(config.BuiltinErrors())
	if err != nil {
		return nil, err
	}
	opts = append(opts, routed...)

	if routing.Uses(redisstream.Scheme) {
		tr, err := redisstream.New(cfg.Redis, redisstream.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, durable.WithTransport(tr))
	}

	return opts, nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}
