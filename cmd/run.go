package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MXWXZ/plugd/metrics"
	"github.com/MXWXZ/plugd/utils/log"
	"github.com/MXWXZ/plugd/watcher"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/ztrue/tracerr"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run plugd runtime",
	Run:   run,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func newServer(rt *runtime) *http.Server {
	reg := prometheus.NewRegistry()
	c := metrics.New(rt.manager, rt.acct)
	rt.registry.Observe(c.Observe)
	reg.MustRegister(c, collectors.NewGoCollector())

	health := healthcheck.NewMetricsHandler(reg, "plugd")
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	if sqlDB, err := rt.db.DB(); err == nil {
		health.AddReadinessCheck("database", healthcheck.DatabasePingCheck(sqlDB, time.Second))
	}
	health.AddReadinessCheck("worker-pool", func() error {
		if rt.pool.IsClosed() {
			return errors.New("worker pool closed")
		}
		return nil
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	return &http.Server{
		Addr:              viper.GetString("listen.address"),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func run(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.New().Info("========== plugd start ==========")
	log.New().Infof("Config file: %v", conf)
	rt := newRuntime(ctx)
	defer rt.close()
	defer log.New().Info("========== plugd end ==========")

	if viper.GetBool("watcher.enable") {
		w, err := watcher.New(rt.manager, watcher.Options{
			Dir:      filepath.Join(viper.GetString("plugin.root"), "active"),
			Debounce: ms("watcher.debounce_ms"),
			Pool:     rt.pool,
		})
		if err != nil {
			log.NewEntry(err).Fatal("Failed to start plugin watcher")
		}
		done := make(chan struct{})
		go func() {
			w.Run(ctx)
			close(done)
		}()
		defer func() { <-done }()
	}

	srv := newServer(rt)
	go func() {
		log.New().WithField("address", srv.Addr).Info("Health and metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.NewEntry(tracerr.Wrap(err)).Error("Health endpoint stopped")
		}
	}()

	stats := rt.manager.Stats()
	log.New().WithFields(log.F{
		"active":   stats.Active,
		"disabled": stats.Disabled,
		"error":    stats.Error,
		"hooks":    stats.Hooks,
	}).Info("Runtime started")

	<-ctx.Done()
	log.New().Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
