// Command pg-kafka-bridge streams committed PostgreSQL rows into
// partitioned Kafka topics over logical replication.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/streamwell/pg-kafka-bridge/internal/bridge"
	"github.com/streamwell/pg-kafka-bridge/internal/config"
	"github.com/streamwell/pg-kafka-bridge/internal/pidfile"
)

// shutdownGrace is the grace passed to Supervisor.Stop on SIGINT or
// SIGTERM. Stop does not wait for the main loop, and the producer's
// flush is bounded separately inside the bridge package.
const shutdownGrace = 30 * time.Second

func main() {
	cfg := &config.Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Preflight(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	configureLogging(cfg.LogLevel, cfg.LogFormat)

	pf, err := pidfile.Create(cfg.PIDFile)
	if err != nil {
		log.WithError(err).Fatal("could not create pid file")
	}
	log.WithField("run_id", pf.RunID).Info("starting")

	sup, cleanup, err := bridge.InitializeSupervisor(cfg)
	if err != nil {
		_ = pf.Close()
		log.WithError(err).Fatal("could not initialise bridge")
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("received shutdown signal, draining")
		sup.Stop(shutdownGrace)
	}()

	runErr := sup.Run(context.Background(), cfg.SlotName, cfg.SkipSnapshot)

	// cleanup flushes and closes the broker producer (Run has already
	// closed the replication connection). It is called explicitly
	// rather than deferred: Fatal below calls os.Exit and would
	// otherwise skip it. The PID file is
	// removed only after cleanup completes, last.
	cleanup()

	if pidErr := pf.Close(); pidErr != nil {
		log.WithError(pidErr).Warn("error removing pid file")
	}

	if runErr != nil {
		log.WithError(runErr).Fatal("bridge exited with error")
	}
	log.Info("bridge exited cleanly")
}

// serveMetrics exposes the promauto collectors of internal/metrics.
// Errors here are logged, not fatal: the bridge keeps streaming even
// if the metrics endpoint can't bind.
func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Warn("metrics server exited")
	}
}

func configureLogging(level, format string) {
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.WithError(err).Warn("unrecognised log level, defaulting to info")
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
