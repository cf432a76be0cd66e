package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	redis "github.com/ljluestc/go-redis-slotcache"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the topology up to date and print it whenever it changes",
	Long: "Keep the topology up to date and print it whenever it changes.\n" +
		"SIGHUP triggers an immediate refresh.",
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	cache, err := openCache(cmd, cfg.clusterOptions(logger, reg))
	if err != nil {
		return err
	}
	defer closeCache(cache)

	if cfg.metricsAddr != "" {
		srv := serveMetrics(cfg.metricsAddr, reg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	refresher := redis.NewRefresher(cache, cfg.refreshInterval)

	if watchCfgFile && cfgFile != "" {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected", zap.String("file", in.Name))
			c, err := readConfig(viper.GetViper())
			if err != nil {
				logger.Warn("ignoring invalid configuration", zap.Error(err))
				return
			}
			logLevel.SetLevel(c.logLevel)
			refresher.Trigger()
		})
		viper.WatchConfig()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	out := cmd.OutOrStdout()
	if err := printSlots(out, cache.Slots()); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- refresher.Run(ctx)
	}()

	// The topology is printed again whenever a refresh publishes a new one.
	poll := time.NewTicker(time.Second)
	defer poll.Stop()
	gen := cache.Generation()
	for {
		select {
		case err := <-done:
			if errors.Is(err, context.Canceled) {
				logger.Info("shutting down")
				return nil
			}
			return err
		case <-hup:
			logger.Info("received SIGHUP, refreshing topology")
			refresher.Trigger()
		case <-poll.C:
			if g := cache.Generation(); g != gen {
				gen = g
				if err := printSlots(out, cache.Slots()); err != nil {
					return err
				}
			}
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}
