package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/perfhint/sessiond/internal/config"
	"github.com/perfhint/sessiond/internal/effector"
	"github.com/perfhint/sessiond/internal/manager"
	"github.com/perfhint/sessiond/internal/telemetry"
)

type daemonOptions struct {
	configPath   string
	metricsAddr  string
	capacityNode string
	boostNode    string
	workers      int
	verbosity    int
}

func main() {
	opts := &daemonOptions{}

	root := &cobra.Command{
		Use:          "sessiond",
		Short:        "Arbitrates per-thread performance hints into scheduler clamps",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	root.Flags().StringVar(&opts.configPath, "config", "",
		"Path to the tunables JSON file. Built-in defaults are used when empty.")
	root.Flags().StringVar(&opts.metricsAddr, "metrics-bind-address", ":10001",
		"The address the metric endpoint binds to.")
	root.Flags().StringVar(&opts.capacityNode, "capacity-node", "",
		"Sysfs attribute receiving the aggregate capacity request. Disabled when empty.")
	root.Flags().StringVar(&opts.boostNode, "boost-node", "",
		"Sysfs attribute gating the system-wide boost. Disabled when empty.")
	root.Flags().IntVar(&opts.workers, "timeout-workers", 2,
		"Number of worker goroutines draining vote timeouts.")
	root.Flags().IntVarP(&opts.verbosity, "verbosity", "v", 0,
		"Log verbosity. Higher values enable debug output.")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(verbosity int) (logr.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.Level = zap.NewAtomicLevelAt(zapcore.Level(-verbosity))
	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

func run(opts *daemonOptions) error {
	logger, err := newLogger(opts.verbosity)
	if err != nil {
		return err
	}
	setupLog := logger.WithName("setup")

	tunables := config.Default()
	if opts.configPath != "" {
		tunables, err = config.Load(opts.configPath)
		if err != nil {
			setupLog.Error(err, "unable to load tunables", "path", opts.configPath)
			return err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := telemetry.NewProm(reg)

	var capacity effector.CapacityWriter = nopCapacity{}
	if opts.capacityNode != "" {
		capacity = effector.NewCapacityNode(opts.capacityNode, logger)
	}
	var boost effector.BoostToggle = nopBoost{}
	if opts.boostNode != "" {
		boost = effector.NewBoostNode(opts.boostNode, logger)
	}

	mgr := manager.New(manager.Options{
		Tunables: tunables,
		Clamper:  effector.NewUClamp(logger),
		Capacity: capacity,
		Boost:    boost,
		Sink:     sink,
		Workers:  opts.workers,
		Logger:   logger,
	})
	defer mgr.Shutdown()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: opts.metricsAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			setupLog.Error(err, "metrics endpoint failed")
		}
	}()

	setupLog.Info("sessiond running", "metricsAddr", opts.metricsAddr)

	// SIGUSR1 dumps the session table, anything else shuts down.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1)
	for sig := range sigCh {
		if sig == unix.SIGUSR1 {
			mgr.Dump(os.Stderr)
			continue
		}
		setupLog.Info("shutting down", "signal", sig.String())
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		setupLog.Error(err, "stopping metrics endpoint")
	}
	return nil
}

// nopCapacity and nopBoost stand in when no sysfs node is configured.
type nopCapacity struct{}

func (nopCapacity) ApplyCapacity(int64) error { return nil }

type nopBoost struct{}

func (nopBoost) SetGlobalBoost(bool) error { return nil }
